package store

// schemaVersion is the current schema version. Increment when adding migrations.
const schemaVersion = 2

// migrations maps version numbers to SQL statements that bring the schema
// from (version-1) to (version). Version 1 is the initial schema.
var migrations = map[int]string{
	1: `
-- Every committed version of every path. Rows are never updated.
CREATE TABLE IF NOT EXISTS versioned_objects (
	path    TEXT    NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	change  TEXT    NOT NULL,
	author  TEXT    NOT NULL DEFAULT 'unknown',
	date    TEXT    NOT NULL,
	content BLOB,
	PRIMARY KEY (path, version)
);

CREATE INDEX IF NOT EXISTS versioned_objects_index ON versioned_objects(path, version);
CREATE INDEX IF NOT EXISTS versioned_objects_date_index ON versioned_objects(date, path);
`,

	2: `
-- Filesystem metadata captured with each version.
ALTER TABLE versioned_objects ADD COLUMN size INTEGER;
ALTER TABLE versioned_objects ADD COLUMN mtime TEXT;
`,
}

// dropSchema removes everything migrations created, including the
// recorded schema version, so the next runMigrations starts from zero.
const dropSchema = `
DROP INDEX IF EXISTS versioned_objects_date_index;
DROP INDEX IF EXISTS versioned_objects_index;
DROP TABLE IF EXISTS versioned_objects;
DROP TABLE IF EXISTS store_state;
`
