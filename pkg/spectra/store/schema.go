package store

// schemaVersion is the version this build expects. A mismatch found at
// startup is fatal (§6: "version mismatch at startup is fatal with a
// structured error identifying expected vs found schema version").
const schemaVersion = 1

// schemaDDL is the full schema for every entity in §3. Statements use
// IF NOT EXISTS so Migrate is idempotent, following the teacher's
// GetSQLiteSchema pattern in database/backends/sqlite.go.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_name TEXT NOT NULL UNIQUE,
	api_id INTEGER NOT NULL,
	api_hash TEXT NOT NULL,
	phone_number TEXT NOT NULL,
	password TEXT,
	proxy_id INTEGER REFERENCES proxies(id),
	usage_counter INTEGER NOT NULL DEFAULT 0,
	last_used_at DATETIME,
	cooldown_until DATETIME,
	banned INTEGER NOT NULL DEFAULT 0,
	health_state TEXT NOT NULL DEFAULT 'active'
);

CREATE TABLE IF NOT EXISTS proxies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transport TEXT NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	username TEXT,
	password TEXT,
	rotation_group TEXT NOT NULL DEFAULT '',
	exclusive INTEGER NOT NULL DEFAULT 0,
	UNIQUE(host, port, username, rotation_group)
);

CREATE TABLE IF NOT EXISTS entities (
	id INTEGER NOT NULL,
	account_id INTEGER NOT NULL REFERENCES accounts(id),
	access_hash INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	first_seen_at DATETIME NOT NULL,
	last_seen_at DATETIME NOT NULL,
	discovery_depth INTEGER NOT NULL DEFAULT 0,
	priority_score REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (id, account_id)
);

CREATE TABLE IF NOT EXISTS messages (
	entity_id INTEGER NOT NULL,
	message_id INTEGER NOT NULL,
	sender_id INTEGER NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	posted_at DATETIME NOT NULL,
	edited_at DATETIME,
	text TEXT NOT NULL DEFAULT '',
	reply_to INTEGER,
	media_id TEXT REFERENCES media_objects(id),
	checksum TEXT NOT NULL,
	PRIMARY KEY (entity_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_entity_checksum ON messages(entity_id, checksum);

CREATE TABLE IF NOT EXISTS media_objects (
	id TEXT PRIMARY KEY,
	mime TEXT NOT NULL,
	size INTEGER NOT NULL,
	file_path TEXT NOT NULL,
	original_filename TEXT NOT NULL DEFAULT '',
	sha256 TEXT NOT NULL,
	perceptual_hash TEXT,
	fuzzy_hash TEXT
);
CREATE INDEX IF NOT EXISTS idx_media_sha256 ON media_objects(sha256);

CREATE TABLE IF NOT EXISTS checkpoints (
	entity_id INTEGER NOT NULL,
	context TEXT NOT NULL,
	last_fetched_id INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (entity_id, context)
);

CREATE TABLE IF NOT EXISTS forward_fingerprints (
	destination_id INTEGER NOT NULL,
	sha256 TEXT NOT NULL,
	perceptual_hash TEXT,
	fuzzy_hash TEXT,
	first_seen_at DATETIME NOT NULL,
	origin_entity_id INTEGER NOT NULL,
	forwarded_to TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (destination_id, sha256)
);
CREATE INDEX IF NOT EXISTS idx_fingerprint_phash ON forward_fingerprints(destination_id, perceptual_hash);

CREATE TABLE IF NOT EXISTS forward_jobs (
	id TEXT PRIMARY KEY,
	source_spec TEXT NOT NULL,
	destination_spec TEXT NOT NULL,
	mode TEXT NOT NULL,
	flags TEXT NOT NULL DEFAULT '{}',
	progress_cursor INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'pending',
	failure_cause TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS archive_jobs (
	id TEXT PRIMARY KEY,
	target_entity_id INTEGER NOT NULL,
	options TEXT NOT NULL DEFAULT '{}',
	progress_cursor INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL DEFAULT 'pending',
	failure_cause TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS discovery_jobs (
	id TEXT PRIMARY KEY,
	seeds TEXT NOT NULL,
	max_depth INTEGER NOT NULL,
	per_level_cap INTEGER NOT NULL,
	flags TEXT NOT NULL DEFAULT '{}',
	state TEXT NOT NULL DEFAULT 'pending',
	failure_cause TEXT,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS invitation_tasks (
	destination_entity_id INTEGER NOT NULL,
	invitee_account_id INTEGER NOT NULL REFERENCES accounts(id),
	attempts INTEGER NOT NULL DEFAULT 0,
	next_eligible_at DATETIME NOT NULL,
	state TEXT NOT NULL DEFAULT 'pending',
	PRIMARY KEY (destination_entity_id, invitee_account_id)
);

CREATE TABLE IF NOT EXISTS access_records (
	account_id INTEGER NOT NULL REFERENCES accounts(id),
	entity_id INTEGER NOT NULL,
	access_hash INTEGER NOT NULL,
	last_seen_at DATETIME NOT NULL,
	PRIMARY KEY (account_id, entity_id)
);

CREATE TABLE IF NOT EXISTS discovery_edges (
	source_entity_id INTEGER NOT NULL,
	target_entity_id INTEGER NOT NULL,
	observed_at DATETIME NOT NULL,
	context TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (source_entity_id, target_entity_id)
);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	cron_expr TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	last_run_at DATETIME
);
`

// GetSchema returns the full schema DDL, mirroring the teacher's
// GetSQLiteSchema() naming.
func GetSchema() string { return schemaDDL }
