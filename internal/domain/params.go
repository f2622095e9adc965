package domain

// Run parameter names shared by the launcher and the worker.
const (
	ParamRequestID   = "processing_request_id"
	ParamJobName     = "job_name"
	ParamStoragePath = "storage_path"
	ParamDelimiter   = "delimiter"
	ParamChunkSize   = "chunk_size"
	ParamRequestedAt = "requested_at"
)

const DefaultDelimiter = ","
