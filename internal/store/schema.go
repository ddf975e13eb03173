package store

// Schema is applied on open. Times are stored as unix nanoseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS patterns (
	id TEXT PRIMARY KEY,
	signature TEXT NOT NULL,
	trigger_text TEXT NOT NULL DEFAULT '',
	embedding BLOB,
	response_template TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT 'general',
	confidence REAL NOT NULL CHECK (confidence >= 0.0 AND confidence <= 1.0),
	auto_executable INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'learned',
	enabled INTEGER NOT NULL DEFAULT 1,
	usage_count INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	merged_into TEXT NOT NULL DEFAULT '',
	from_gold_standard INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	last_used_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_patterns_signature_live ON patterns(signature) WHERE status != 'deprecated';
CREATE INDEX IF NOT EXISTS idx_patterns_category ON patterns(category);

CREATE TABLE IF NOT EXISTS executions (
	id TEXT PRIMARY KEY,
	pattern_id TEXT NOT NULL REFERENCES patterns(id),
	conversation_id TEXT NOT NULL,
	matched_at INTEGER NOT NULL,
	action_taken TEXT NOT NULL,
	outcome TEXT NOT NULL DEFAULT 'unknown',
	confidence_at_time REAL NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	rendered_text TEXT NOT NULL DEFAULT '',
	variant TEXT NOT NULL DEFAULT '',
	resolved_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_executions_pattern ON executions(pattern_id);
CREATE INDEX IF NOT EXISTS idx_executions_conversation ON executions(conversation_id);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	phase TEXT NOT NULL,
	version INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL,
	expires_at INTEGER,
	data TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active ON conversations(conversation_id) WHERE phase != 'closed';
CREATE INDEX IF NOT EXISTS idx_conversations_expiry ON conversations(phase, expires_at);

CREATE TABLE IF NOT EXISTS deferred_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	payload BLOB NOT NULL,
	enqueued_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deferred_events_conversation ON deferred_events(conversation_id, seq);

CREATE TABLE IF NOT EXISTS gold_standard (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	customer_text TEXT NOT NULL,
	operator_text TEXT NOT NULL,
	flagged_by TEXT NOT NULL DEFAULT '',
	flagged_at INTEGER NOT NULL,
	pattern_id TEXT NOT NULL DEFAULT '',
	superseded_by TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_gold_standard_conversation ON gold_standard(conversation_id);

CREATE TABLE IF NOT EXISTS experiments (
	id TEXT PRIMARY KEY,
	pattern_id TEXT NOT NULL,
	control_template TEXT NOT NULL,
	control_trials INTEGER NOT NULL DEFAULT 0,
	control_successes INTEGER NOT NULL DEFAULT 0,
	challenger_template TEXT NOT NULL,
	challenger_trials INTEGER NOT NULL DEFAULT 0,
	challenger_successes INTEGER NOT NULL DEFAULT 0,
	fraction REAL NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	winner TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	ended_at INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_experiments_active ON experiments(pattern_id) WHERE active = 1;
`
