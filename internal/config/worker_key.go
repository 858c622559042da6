package config

type WorkerKeyStruct struct {
	PersistProctorAuditQueue string
	PersistSubmissionsQueue  string
}

var WorkerKey = &WorkerKeyStruct{
	PersistProctorAuditQueue: "persist_proctor_audit_queue",
	PersistSubmissionsQueue:  "persist_submissions_queue",
}
