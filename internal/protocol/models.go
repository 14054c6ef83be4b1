package protocol

import "time"

// Repository is the top-level sharing unit: one distinct artifact,
// identified by its content hash. Immutable after creation.
type Repository struct {
	Hash      string    `json:"hash"`
	File      string    `json:"file"`
	FileType  string    `json:"file_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Branch is a line of development within a repository, holding its own
// event log and current file blob. Immutable after creation.
type Branch struct {
	UUID      string    `json:"uuid"`
	RepoHash  string    `json:"repo_hash"`
	CreatedAt time.Time `json:"created_at"`
	Bits      int       `json:"bits"`
}

// Extension returns the artifact file extension for the branch
// bit-width: i64 for 64-bit databases, idb otherwise.
func (b Branch) Extension() string {
	if b.Bits == 64 {
		return "i64"
	}
	return "idb"
}
