package sqlite

import "database/sql"

// schema creates the tables on startup if they do not exist yet.
// group_members is the only record of membership; a user's groups are
// read back through idx_group_members_username.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    username TEXT PRIMARY KEY,
    password_hash TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS groups (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    theme TEXT NOT NULL,
    max_members INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_members (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    group_id INTEGER NOT NULL,
    username TEXT NOT NULL,
    status TEXT NOT NULL,
    UNIQUE (group_id, username),
    FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS group_actions (
    group_id INTEGER NOT NULL,
    username TEXT NOT NULL,
    action TEXT NOT NULL,
    PRIMARY KEY (group_id, username),
    FOREIGN KEY (group_id) REFERENCES groups(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_group_members_username ON group_members(username);
CREATE INDEX IF NOT EXISTS idx_groups_name ON groups(name);
`

// ensureSchema executes the schema setup.
func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
