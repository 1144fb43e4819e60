// Package sqlinline holds the inline SQL statements executed through the
// logging runner. Every statement starts with a marker line so log output
// can be correlated with the exact query text.
package sqlinline

// QResourceEventsAfter pages a resource's event log past a sequence number.
const QResourceEventsAfter = `--sql eb9696de-933e-4121-9d67-0fe8a8a5475f
SELECT seq, name, payload, created_at
FROM resource_events
WHERE resource_id = $1 AND seq > $2
ORDER BY seq
LIMIT 100;`

// QJobStatus reads just the status column of a job row.
const QJobStatus = `--sql b53d9f50-10a8-4c22-a127-ece08d9d7e1a
SELECT status FROM jobs WHERE id = $1;`

// QGenerationStatus reads just the status column of a generation row.
const QGenerationStatus = `--sql 04c54642-da87-43da-8378-39b6a5353cbe
SELECT status FROM generations WHERE id = $1;`

// QHealthProbe verifies database connectivity for the health endpoint.
const QHealthProbe = `--sql 70c577d7-c308-4a95-acfa-df9e5d0fd40b
SELECT 1;`
