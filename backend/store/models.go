package store

import "time"

type UpstreamErrorLog struct {
	ID              int64     `json:"id"`
	Site            string    `json:"site"`
	Endpoint        string    `json:"endpoint"`
	Method          string    `json:"method"`
	Stage           string    `json:"stage"`
	HTTPStatus      int       `json:"httpStatus"`
	Attempt         int       `json:"attempt"`
	Retryable       bool      `json:"retryable"`
	RequestQuery    string    `json:"requestQuery"`
	ResponseHeaders string    `json:"responseHeaders"`
	ResponseBody    string    `json:"responseBody"`
	ErrorMessage    string    `json:"errorMessage"`
	CreatedAt       time.Time `json:"createdAt"`
}

// BlockRuleKind selects how a rule pattern is matched against a comment.
type BlockRuleKind string

const (
	BlockRuleKeyword BlockRuleKind = "keyword"
	BlockRuleRegex   BlockRuleKind = "regex"
	BlockRuleUser    BlockRuleKind = "user"
)

type DanmakuBlockRule struct {
	ID        int64         `json:"id"`
	Kind      BlockRuleKind `json:"kind"`
	Pattern   string        `json:"pattern"`
	Enabled   bool          `json:"enabled"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

type CleanupStats struct {
	UpstreamErrorLogs int64 `json:"upstreamErrorLogs"`
	Total             int64 `json:"total"`
}

type DBStats struct {
	DBPath         string `json:"dbPath"`
	DBSizeBytes    int64  `json:"dbSizeBytes"`
	WALSizeBytes   int64  `json:"walSizeBytes"`
	SHMSizeBytes   int64  `json:"shmSizeBytes"`
	PageCount      int64  `json:"pageCount"`
	PageSize       int64  `json:"pageSize"`
	FreeListCount  int64  `json:"freeListCount"`
	EstimatedInUse int64  `json:"estimatedInUse"`
}
