package chatstore

// SurrealSchemaSQL defines the chat_session table.
const SurrealSchemaSQL = `
    DEFINE TABLE IF NOT EXISTS chat_session SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS user_id ON chat_session TYPE string;
    DEFINE FIELD IF NOT EXISTS session_id ON chat_session TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON chat_session TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON chat_session TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS messages ON chat_session TYPE array<object> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS messages.*.role ON chat_session TYPE string;
    -- content stays flexible so legacy span lists can be read back
    DEFINE FIELD IF NOT EXISTS messages.*.content ON chat_session TYPE string | array<object>;
    DEFINE FIELD IF NOT EXISTS messages.*.timestamp ON chat_session TYPE datetime;

    DEFINE INDEX IF NOT EXISTS chat_session_user ON chat_session FIELDS user_id, created_at;
`
