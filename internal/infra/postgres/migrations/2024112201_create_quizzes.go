package migrations

import _ "embed"

//go:embed 0001_create_quizzes.sql
var quizCatalogSchema string

func init() {
	Migrations.MustRegister(sqlChange(quizCatalogSchema, `DROP TABLE IF EXISTS quizzes`))
}
