package db

import "fmt"

// SchemaSQL defines the job table and the registry of vector indexes.
const SchemaSQL = `
    -- ==========================================================================
    -- INGEST JOB TABLE
    -- ==========================================================================
    -- The full job is kept as JSON in payload; status and created_at are
    -- duplicated for listing.
    DEFINE TABLE IF NOT EXISTS ingest_job SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS status ON ingest_job TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON ingest_job TYPE datetime;
    DEFINE FIELD IF NOT EXISTS updated ON ingest_job TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS payload ON ingest_job TYPE string;

    DEFINE INDEX IF NOT EXISTS ingest_job_status ON ingest_job FIELDS status;
    DEFINE INDEX IF NOT EXISTS ingest_job_created ON ingest_job FIELDS created_at;

    -- ==========================================================================
    -- VECTOR INDEX REGISTRY
    -- ==========================================================================
    -- One row per chunk table, recording the dimension it was created with.
    DEFINE TABLE IF NOT EXISTS vector_index SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON vector_index TYPE string;
    DEFINE FIELD IF NOT EXISTS dimension ON vector_index TYPE int;
    DEFINE FIELD IF NOT EXISTS created ON vector_index TYPE datetime DEFAULT time::now();
`

// chunkTableSQL defines one chunk table with an HNSW index of the given
// dimension. table must already be validated.
func chunkTableSQL(table string, dimension int) string {
	return fmt.Sprintf(`
    DEFINE TABLE IF NOT EXISTS %[1]s SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS content ON %[1]s TYPE string;
    DEFINE FIELD IF NOT EXISTS embedding ON %[1]s TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS metadata ON %[1]s TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS document_id ON %[1]s TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS chunk_index ON %[1]s TYPE option<int>;
    DEFINE FIELD IF NOT EXISTS updated ON %[1]s TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS %[1]s_document ON %[1]s FIELDS document_id;
    DEFINE INDEX IF NOT EXISTS %[1]s_embedding ON %[1]s FIELDS embedding HNSW DIMENSION %[2]d DIST COSINE TYPE F32;
`, table, dimension)
}
