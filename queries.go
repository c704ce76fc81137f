package pqbroker

// Identity of the broker's provisioned objects.
const (
	brokerSchema    = "realtime"
	messagesTable   = "messages"
	channelsView    = "channels"
	brokerExtension = "pgcrypto"

	notifyPrefix = "realtime:"
)

var (
	sqlMessageColumns = `
SELECT column_name
  FROM information_schema.columns
 WHERE table_schema = $1
   AND table_name = $2
 ORDER BY ordinal_position
`
	sqlSchemaExists = `
SELECT EXISTS (SELECT 1 FROM pg_namespace WHERE nspname = $1)
`
	sqlTableExists = `
SELECT to_regclass($1) IS NOT NULL
`
	sqlExtensionExists = `
SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = $1)
`
	sqlRowSecurityActive = `
SELECT COALESCE(
         (SELECT relrowsecurity
            FROM pg_class c
            JOIN pg_namespace n ON n.oid = c.relnamespace
           WHERE n.nspname = $1 AND c.relname = $2),
         false)
`
	sqlCreateExtension = `
CREATE EXTENSION IF NOT EXISTS pgcrypto
`
	sqlCreateSchema = `
CREATE SCHEMA IF NOT EXISTS realtime
`
	// Primary column set for the message log. gen_random_uuid comes from
	// pgcrypto, provisioned first.
	sqlCreateMessages = `
CREATE TABLE IF NOT EXISTS realtime.messages (
    id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    channel text NOT NULL,
    payload jsonb,
    created_at timestamptz NOT NULL DEFAULT now()
)
`
	// Alternate naming scheme, used when the primary set collides with an
	// existing incompatible object. DetectShape recognizes either.
	sqlCreateMessagesAlt = `
CREATE TABLE IF NOT EXISTS realtime.messages (
    id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
    topic text NOT NULL,
    payload jsonb,
    inserted_at timestamptz NOT NULL DEFAULT now()
)
`
	sqlEnableRowSecurity = `
ALTER TABLE realtime.messages ENABLE ROW LEVEL SECURITY
`
	sqlForceRowSecurity = `
ALTER TABLE realtime.messages FORCE ROW LEVEL SECURITY
`
	sqlCountPolicies = `
SELECT count(*) FROM pg_policies WHERE schemaname = $1 AND tablename = $2
`
	// The default policies grant to the authenticated role. Clusters
	// without that role get it provisioned as NOLOGIN first.
	sqlEnsureDefaultRole = `
DO $$
BEGIN
    IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = 'authenticated') THEN
        CREATE ROLE authenticated NOLOGIN;
    END IF;
END
$$
`
	sqlDefaultReadPolicy = `
CREATE POLICY "Allow authenticated read" ON realtime.messages
    FOR SELECT TO authenticated USING (true)
`
	sqlDefaultInsertPolicy = `
CREATE POLICY "Allow authenticated insert" ON realtime.messages
    FOR INSERT TO authenticated WITH CHECK (true)
`
	sqlDropSchema = `
DROP SCHEMA IF EXISTS realtime CASCADE
`
	sqlDropExtension = `
DROP EXTENSION IF EXISTS pgcrypto
`
	sqlFetchRowByID = `
SELECT row_to_json(r) FROM (SELECT * FROM realtime.messages WHERE id = $1) r
`
	sqlListPolicies = `
SELECT policyname, permissive, roles::text[], cmd,
       COALESCE(qual, ''), COALESCE(with_check, '')
  FROM pg_policies
 WHERE schemaname = $1 AND tablename = $2
 ORDER BY policyname
`
)
