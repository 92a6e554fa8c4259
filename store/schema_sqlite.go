package store

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS items (
    code          TEXT PRIMARY KEY,
    name          TEXT NOT NULL DEFAULT '',
    stock_uom     TEXT NOT NULL DEFAULT '',
    item_group    TEXT NOT NULL DEFAULT '',
    batch_tracked INTEGER NOT NULL DEFAULT 0,
    scan_unit_qty TEXT NOT NULL DEFAULT '0',
    updated_at    TEXT NOT NULL DEFAULT (datetime('now','localtime'))
);

CREATE TABLE IF NOT EXISTS item_barcodes (
    barcode   TEXT PRIMARY KEY,
    item_code TEXT NOT NULL REFERENCES items(code) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_item_barcodes_item ON item_barcodes(item_code);

CREATE TABLE IF NOT EXISTS item_uoms (
    item_code TEXT NOT NULL REFERENCES items(code) ON DELETE CASCADE,
    uom       TEXT NOT NULL,
    factor    TEXT NOT NULL,
    PRIMARY KEY (item_code, uom)
);

CREATE TABLE IF NOT EXISTS production_runs (
    id               TEXT PRIMARY KEY,
    item_code        TEXT NOT NULL,
    planned_qty      TEXT NOT NULL DEFAULT '0',
    planned_start    TEXT NOT NULL,
    line             TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'NotStarted',
    production_ended INTEGER NOT NULL DEFAULT 0,
    good_qty         TEXT NOT NULL DEFAULT '0',
    reject_qty       TEXT NOT NULL DEFAULT '0',
    stage_version    INTEGER NOT NULL DEFAULT 0,
    closure_id       TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_line ON production_runs(line, status);

CREATE TABLE IF NOT EXISTS component_requirements (
    run_id       TEXT NOT NULL REFERENCES production_runs(id) ON DELETE CASCADE,
    item_code    TEXT NOT NULL,
    uom          TEXT NOT NULL DEFAULT '',
    required_qty TEXT NOT NULL,
    PRIMARY KEY (run_id, item_code)
);

CREATE TABLE IF NOT EXISTS stock_balances (
    item_code  TEXT NOT NULL,
    batch_id   TEXT NOT NULL DEFAULT '',
    location   TEXT NOT NULL,
    qty        TEXT NOT NULL DEFAULT '0',
    expiry     TEXT,
    version    INTEGER NOT NULL DEFAULT 1,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (item_code, batch_id, location)
);
CREATE INDEX IF NOT EXISTS idx_stock_location ON stock_balances(location, item_code);

CREATE TABLE IF NOT EXISTS movements (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    id              TEXT NOT NULL UNIQUE,
    purpose         TEXT NOT NULL,
    run_id          TEXT NOT NULL DEFAULT '',
    source_location TEXT NOT NULL DEFAULT '',
    target_location TEXT NOT NULL DEFAULT '',
    pallet_tag      TEXT NOT NULL DEFAULT '',
    actor           TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_movements_run ON movements(run_id);

CREATE TABLE IF NOT EXISTS movement_lines (
    movement_id TEXT NOT NULL REFERENCES movements(id),
    line_no     INTEGER NOT NULL,
    item_code   TEXT NOT NULL,
    batch_id    TEXT NOT NULL DEFAULT '',
    qty         TEXT NOT NULL,
    uom         TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (movement_id, line_no)
);

CREATE TABLE IF NOT EXISTS scan_events (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    id          TEXT NOT NULL UNIQUE,
    run_id      TEXT NOT NULL,
    item_code   TEXT NOT NULL DEFAULT '',
    batch_id    TEXT NOT NULL DEFAULT '',
    qty         TEXT NOT NULL DEFAULT '0',
    raw_code    TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    operator    TEXT NOT NULL DEFAULT '',
    movement_id TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scan_events_run ON scan_events(run_id);

CREATE TABLE IF NOT EXISTS run_transitions (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status   TEXT NOT NULL,
    action      TEXT NOT NULL,
    operator    TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_transitions_run ON run_transitions(run_id);

CREATE TABLE IF NOT EXISTS run_operators (
    seq        INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    operator   TEXT NOT NULL,
    claimed_at TEXT NOT NULL,
    left_at    TEXT
);
CREATE INDEX IF NOT EXISTS idx_run_operators_active ON run_operators(run_id) WHERE left_at IS NULL;

CREATE TABLE IF NOT EXISTS line_closures (
    id         TEXT PRIMARY KEY,
    line       TEXT NOT NULL,
    mode       TEXT NOT NULL,
    good_qty   TEXT NOT NULL DEFAULT '0',
    reject_qty TEXT NOT NULL DEFAULT '0',
    operator   TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_line_closures_line ON line_closures(line);

CREATE TABLE IF NOT EXISTS outbox (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    topic       TEXT NOT NULL,
    payload     BLOB NOT NULL,
    msg_type    TEXT NOT NULL DEFAULT '',
    station_id  TEXT NOT NULL DEFAULT '',
    retries     INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL DEFAULT (datetime('now','localtime')),
    sent_at     TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(sent_at) WHERE sent_at IS NULL;

CREATE TABLE IF NOT EXISTS audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL DEFAULT '',
    action      TEXT NOT NULL,
    old_value   TEXT NOT NULL DEFAULT '',
    new_value   TEXT NOT NULL DEFAULT '',
    actor       TEXT NOT NULL DEFAULT 'system',
    created_at  TEXT NOT NULL DEFAULT (datetime('now','localtime'))
);
CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_type, entity_id);

CREATE TABLE IF NOT EXISTS admin_users (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at    TEXT NOT NULL DEFAULT (datetime('now','localtime'))
);
`
