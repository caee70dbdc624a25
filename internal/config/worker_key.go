package config

type WorkerKeyStruct struct {
	PersistResultsQueue        string
	PersistSecurityEventsQueue string
	PersistAnswersQueue        string
}

var WorkerKey = &WorkerKeyStruct{
	PersistResultsQueue:        "persist_results_queue",
	PersistSecurityEventsQueue: "persist_security_events_queue",
	PersistAnswersQueue:        "persist_answers_queue",
}
