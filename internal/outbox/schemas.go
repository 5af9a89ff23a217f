package outbox

const statusChangedSchema = `{
  "type": "object",
  "title": "StatusChanged",
  "properties": {
    "tenant_id": {"type": "string"},
    "user_id": {"type": "string"},
    "status": {"type": "string"},
    "task_id": {"type": "string"},
    "is_available": {"type": "boolean"},
    "occurred_at": {"type": "string", "format": "date-time"},
    "auto_end_at": {"type": "string", "format": "date-time"}
  },
  "required": ["tenant_id", "user_id", "status", "is_available", "occurred_at"],
  "additionalProperties": false
}`

const activityRecordedSchema = `{
  "type": "object",
  "title": "ActivityRecorded",
  "properties": {
    "event_id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "user_id": {"type": "string"},
    "event_type": {"type": "string"},
    "task_id": {"type": "string"},
    "started_at": {"type": "string", "format": "date-time"},
    "duration_ms": {"type": "integer"}
  },
  "required": ["event_id", "tenant_id", "user_id", "event_type", "started_at"],
  "additionalProperties": false
}`
