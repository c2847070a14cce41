package migrations

import _ "embed"

//go:embed 0002_create_session_results.sql
var sessionResultsSchema string

func init() {
	Migrations.MustRegister(sqlChange(sessionResultsSchema,
		`DROP INDEX IF EXISTS session_results_quiz_idx; DROP TABLE IF EXISTS session_results`))
}
