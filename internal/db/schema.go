package db

// SchemaSQL defines the conversation table. Turns are embedded in order; the
// record id is the conversation id.
const SchemaSQL = `
    DEFINE TABLE IF NOT EXISTS conversation SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS user_id ON conversation TYPE string;
    DEFINE FIELD IF NOT EXISTS turns ON conversation TYPE array<object> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS turns.* ON conversation TYPE object;
    DEFINE FIELD IF NOT EXISTS turns.*.seq ON conversation TYPE int;
    DEFINE FIELD IF NOT EXISTS turns.*.role ON conversation TYPE string ASSERT $value IN ["user", "assistant"];
    DEFINE FIELD IF NOT EXISTS turns.*.content ON conversation TYPE string;
    DEFINE FIELD IF NOT EXISTS turns.*.truncated ON conversation TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS turns.*.created_at ON conversation TYPE datetime;
    DEFINE FIELD IF NOT EXISTS summary ON conversation TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS summary_turn_count ON conversation TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS last_summarized_at ON conversation TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS total_appended ON conversation TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS created ON conversation TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated ON conversation TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS conversation_user ON conversation FIELDS user_id;
`
