package migrate

// CoreMigrations returns the engine's own schema history (spec §6): v1
// creates files/definitions/imports/symbols, v2 adds file_tags and the FTS5
// inverted index with its sync triggers.
func CoreMigrations() []Migration {
	return []Migration{
		NewSQLMigration(1, "initial_schema", v1Up, v1Down),
		NewSQLMigration(2, "search_index", v2Up, v2Down),
	}
}

const v1Up = `
CREATE TABLE IF NOT EXISTS files (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL UNIQUE,
	filename TEXT NOT NULL,
	extension TEXT,
	size INTEGER NOT NULL,
	last_modified INTEGER NOT NULL,
	hash TEXT NOT NULL,
	language TEXT,
	indexed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_path ON files(path);
CREATE INDEX IF NOT EXISTS idx_files_language ON files(language);

CREATE TABLE IF NOT EXISTS definitions (
	id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	line INTEGER NOT NULL,
	column INTEGER NOT NULL,
	exported INTEGER NOT NULL DEFAULT 0,
	docstring TEXT,
	decorators TEXT,
	signature TEXT
);
CREATE INDEX IF NOT EXISTS idx_definitions_file_id ON definitions(file_id);
CREATE INDEX IF NOT EXISTS idx_definitions_type ON definitions(type);

CREATE TABLE IF NOT EXISTS imports (
	id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	module TEXT NOT NULL,
	type TEXT,
	alias TEXT,
	line INTEGER NOT NULL,
	column INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_imports_file_id ON imports(file_id);
CREATE INDEX IF NOT EXISTS idx_imports_module ON imports(module);

CREATE TABLE IF NOT EXISTS symbols (
	id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	definition_id TEXT REFERENCES definitions(id) ON DELETE SET NULL,
	name TEXT NOT NULL,
	type TEXT,
	line INTEGER NOT NULL,
	column INTEGER NOT NULL,
	scope TEXT
);
CREATE INDEX IF NOT EXISTS idx_symbols_file_id ON symbols(file_id);
CREATE INDEX IF NOT EXISTS idx_symbols_definition_id ON symbols(definition_id);
CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name);
`

const v1Down = `
DROP TABLE IF EXISTS symbols;
DROP TABLE IF EXISTS imports;
DROP TABLE IF EXISTS definitions;
DROP TABLE IF EXISTS files;
`

const v2Up = `
CREATE TABLE IF NOT EXISTS file_tags (
	file_id TEXT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	weight REAL NOT NULL DEFAULT 1.0,
	PRIMARY KEY (file_id, tag)
);
CREATE INDEX IF NOT EXISTS idx_file_tags_file_id ON file_tags(file_id);
CREATE INDEX IF NOT EXISTS idx_file_tags_tag ON file_tags(tag);
CREATE INDEX IF NOT EXISTS idx_file_tags_weight ON file_tags(weight);

-- files_fts stores its own copy of the indexed text (not an external-content
-- table): DELETE FROM ... WHERE rowid = ? is then valid directly, rather
-- than requiring fts5's 'delete' command with the exact old column values a
-- contentless table would need.
CREATE VIRTUAL TABLE IF NOT EXISTS files_fts USING fts5(
	filename,
	path,
	definitions,
	imports,
	docstrings,
	tags,
	tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS files_fts_insert AFTER INSERT ON files BEGIN
	INSERT INTO files_fts(rowid, filename, path, definitions, imports, docstrings, tags)
	VALUES (
		new.rowid,
		new.filename,
		new.path,
		COALESCE((SELECT group_concat(name, ' ') FROM definitions WHERE file_id = new.id), ''),
		COALESCE((SELECT group_concat(module, ' ') FROM imports WHERE file_id = new.id), ''),
		COALESCE((SELECT group_concat(docstring, ' ') FROM definitions WHERE file_id = new.id AND docstring IS NOT NULL), ''),
		COALESCE((SELECT group_concat(tag, ' ') FROM file_tags WHERE file_id = new.id), '')
	);
END;

CREATE TRIGGER IF NOT EXISTS files_fts_update AFTER UPDATE ON files BEGIN
	DELETE FROM files_fts WHERE rowid = old.rowid;
	INSERT INTO files_fts(rowid, filename, path, definitions, imports, docstrings, tags)
	VALUES (
		new.rowid,
		new.filename,
		new.path,
		COALESCE((SELECT group_concat(name, ' ') FROM definitions WHERE file_id = new.id), ''),
		COALESCE((SELECT group_concat(module, ' ') FROM imports WHERE file_id = new.id), ''),
		COALESCE((SELECT group_concat(docstring, ' ') FROM definitions WHERE file_id = new.id AND docstring IS NOT NULL), ''),
		COALESCE((SELECT group_concat(tag, ' ') FROM file_tags WHERE file_id = new.id), '')
	);
END;

CREATE TRIGGER IF NOT EXISTS files_fts_delete AFTER DELETE ON files BEGIN
	DELETE FROM files_fts WHERE rowid = old.rowid;
END;
`

const v2Down = `
DROP TRIGGER IF EXISTS files_fts_delete;
DROP TRIGGER IF EXISTS files_fts_update;
DROP TRIGGER IF EXISTS files_fts_insert;
DROP TABLE IF EXISTS files_fts;
DROP TABLE IF EXISTS file_tags;
`
