package shared

const (
	ProjectID = "stridelog-project" // Can be overridden by env var in main if needed

	TopicImportTrigger   = "topic-import-trigger" // Import entry point (scheduler, API, self-repost)
	TopicImportCompleted = "topic-import-completed"

	CollectionUsers         = "users"
	CollectionExecutions    = "executions"
	CollectionCredentials   = "credentials"
	CollectionImportRuns    = "import_runs"
	CollectionActivityCache = "activity_cache"
	CollectionSessions      = "sessions"
	CollectionRefreshLeases = "refresh_leases"

	// SourceStrava is the only wired provider today. The schema keys every
	// record by (source, source_id) so further providers slot in without
	// migrations.
	SourceStrava = "strava"
)
