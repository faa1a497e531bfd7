package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS orders (
	id          TEXT PRIMARY KEY,
	token_in    TEXT NOT NULL,
	token_out   TEXT NOT NULL,
	amount      DOUBLE PRECISION NOT NULL,
	wallet      TEXT NOT NULL DEFAULT '',
	order_type  TEXT NOT NULL DEFAULT 'market',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS orders_created_at_idx ON orders (created_at DESC);

CREATE TABLE IF NOT EXISTS order_events (
	id        BIGSERIAL PRIMARY KEY,
	order_id  TEXT NOT NULL REFERENCES orders (id),
	status    TEXT NOT NULL,
	detail    JSONB,
	ts        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS order_events_order_ts_idx ON order_events (order_id, ts, id);
`
