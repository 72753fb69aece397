package postgres

// rowScanner abstracts pgx.Row / pgx.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

// pgRows is the subset of pgx.Rows the scan helpers need.
type pgRows interface {
	rowScanner
	Next() bool
	Err() error
}
