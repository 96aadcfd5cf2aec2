package sink

import "github.com/raphaelgruber/ingestd/internal/db"

func db0() db.Config {
	return db.Config{
		URL:       "ws://localhost:8000/rpc",
		Namespace: "ingest",
		Database:  "vectors",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}
}
