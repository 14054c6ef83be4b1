package protocol

import "encoding/json"

// GetRepositoriesQuery filters by hash when non-empty.
type GetRepositoriesQuery struct {
	Hash string `json:"hash,omitempty"`
}

type GetRepositoriesReply struct {
	Repositories []Repository `json:"repositories"`
}

// GetBranchesQuery filters by either or both keys.
type GetBranchesQuery struct {
	UUID     string `json:"uuid,omitempty"`
	RepoHash string `json:"repo_hash,omitempty"`
}

type GetBranchesReply struct {
	Branches []Branch `json:"branches"`
}

type NewRepositoryQuery struct {
	Repository Repository `json:"repository"`
}

type NewBranchQuery struct {
	Branch Branch `json:"branch"`
}

// Ack is the empty payload of a successful reply with nothing to return.
type Ack struct{}

// UploadDatabaseQuery announces a database upload. The raw content
// follows the envelope as exactly one binary message of Size bytes;
// Checksum is the hex blake3 digest of that content.
type UploadDatabaseQuery struct {
	RepoHash string `json:"repo_hash"`
	UUID     string `json:"uuid"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

type UploadDatabaseReply struct {
	Size int64 `json:"size"`
}

type DownloadDatabaseQuery struct {
	RepoHash string `json:"repo_hash"`
	UUID     string `json:"uuid"`
}

// DownloadDatabaseReply announces the content that follows the reply
// envelope as exactly one binary message, mirroring the upload side.
type DownloadDatabaseReply struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// SubscribeQuery binds the session to (repo, branch) and requests replay
// of every event with tick greater than Tick. No reply is sent; the
// event stream itself is the effect.
type SubscribeQuery struct {
	RepoHash string `json:"repo_hash"`
	UUID     string `json:"uuid"`
	Tick     uint64 `json:"tick"`
}

type UnsubscribeQuery struct{}

// EventMessage is the payload of an event envelope. Data is opaque to
// the server; Tick is assigned at durable insertion and present on every
// server-to-client delivery.
type EventMessage struct {
	EventKind string          `json:"kind"`
	Tick      uint64          `json:"tick,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}
