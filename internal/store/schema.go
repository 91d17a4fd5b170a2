package store

const schema = `
CREATE TABLE IF NOT EXISTS sdp_exchange (
	id                 TEXT PRIMARY KEY,
	owner              TEXT NOT NULL,
	offerer_client_id  TEXT NOT NULL,
	role               TEXT NOT NULL CHECK (role IN ('provider', 'subscriber')),
	answerer_client_id TEXT,
	offer              BLOB NOT NULL,
	answer             BLOB,
	error_message      TEXT,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER,
	deleted_at         INTEGER
);

CREATE INDEX IF NOT EXISTS sdp_exchange_pending
	ON sdp_exchange (owner, role, created_at)
	WHERE deleted_at IS NULL AND answerer_client_id IS NULL;

CREATE INDEX IF NOT EXISTS sdp_exchange_offerer
	ON sdp_exchange (owner, offerer_client_id);

CREATE INDEX IF NOT EXISTS sdp_exchange_answerer
	ON sdp_exchange (owner, answerer_client_id)
	WHERE answer IS NULL AND deleted_at IS NULL;

CREATE INDEX IF NOT EXISTS sdp_exchange_created
	ON sdp_exchange (created_at)
	WHERE deleted_at IS NULL;
`
