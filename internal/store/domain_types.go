package store

import "time"

// PortainerInstance is a Portainer server a user has registered for polling.
type PortainerInstance struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	AuthType     string `json:"authType"` // password | apikey
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DisplayOrder int    `json:"displayOrder"`
	IPAddress    string `json:"ipAddress,omitempty"`
}

// DeployedImage represents one exact image coordinate currently in use by
// at least one container, per user.
type DeployedImage struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	ImageRepo         string    `json:"imageRepo"`
	ImageTag          string    `json:"imageTag"`
	ImageDigest       string    `json:"imageDigest"`
	ImageCreatedDate  time.Time `json:"imageCreatedDate,omitempty"`
	Registry          string    `json:"registry,omitempty"`
	Namespace         string    `json:"namespace,omitempty"`
	Repository        string    `json:"repository,omitempty"`
	RepoDigests       []string  `json:"repoDigests,omitempty"`
	RepositoryTokenID string    `json:"repositoryTokenId,omitempty"`
	FirstSeen         time.Time `json:"firstSeen"`
	LastSeen          time.Time `json:"lastSeen"`
}

// RegistryImageVersion is the most recently resolved upstream state for an
// image coordinate, independent of whether anything currently runs it.
type RegistryImageVersion struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	ImageRepo         string    `json:"imageRepo"`
	Registry          string    `json:"registry"`
	Provider          string    `json:"provider,omitempty"`
	Namespace         string    `json:"namespace,omitempty"`
	Repository        string    `json:"repository"`
	Tag               string    `json:"tag"`
	LatestDigest      string    `json:"latestDigest,omitempty"`
	NoDigest          bool      `json:"noDigest,omitempty"`
	LatestVersion     string    `json:"latestVersion,omitempty"`
	LatestPublishDate time.Time `json:"latestPublishDate,omitempty"`
	ExistsInRegistry  bool      `json:"existsInRegistry"`
	LastChecked       time.Time `json:"lastChecked"`

	// GHCRAlternativeImage is set when a Docker Hub image's tag went missing
	// (ExistsInRegistry=false) and a digest-matching copy was found on GHCR
	// under the same or a known-renamed org, offering a pull-through escape
	// from a Docker Hub rate-limit wall or a pulled/renamed upstream tag.
	GHCRAlternativeImage string `json:"ghcrAlternativeImage,omitempty"`

	// ReleaseNotesURL/ReleaseNotesBody are best-effort GitHub release note
	// lookups for LatestVersion, resolved via the configured release
	// sources. Left blank when no source maps this image to a repo or the
	// lookup failed; absence here is never itself an error condition.
	ReleaseNotesURL  string `json:"releaseNotesUrl,omitempty"`
	ReleaseNotesBody string `json:"releaseNotesBody,omitempty"`
}

// Container is one Portainer-managed container observed on the most
// recent poll of its instance/endpoint.
type Container struct {
	ID                  string    `json:"id"`
	UserID              string    `json:"userId"`
	PortainerInstanceID string    `json:"portainerInstanceId"`
	ContainerID         string    `json:"containerId"`
	ContainerName       string    `json:"containerName"`
	EndpointID          int       `json:"endpointId"`
	ImageName           string    `json:"imageName"`
	ImageRepo           string    `json:"imageRepo"`
	Status              string    `json:"status"`
	State               string    `json:"state"`
	StackName           string    `json:"stackName,omitempty"`
	DeployedImageID     string    `json:"deployedImageId,omitempty"`
	UsesNetworkMode     string    `json:"usesNetworkMode,omitempty"`
	ProvidesNetwork     bool      `json:"providesNetwork"`
	LastSeen            time.Time `json:"lastSeen"`
}

// TrackedApp is a non-container application whose upstream releases are
// watched (a GitHub/GitLab repo or a bare image coordinate).
type TrackedApp struct {
	ID                        string    `json:"id"`
	UserID                    string    `json:"userId"`
	Name                      string    `json:"name"`
	ImageName                 string    `json:"imageName,omitempty"`
	GithubRepo                string    `json:"githubRepo,omitempty"`
	SourceType                string    `json:"sourceType"` // docker | github | gitlab
	RepositoryTokenID         string    `json:"repositoryTokenId,omitempty"`
	CurrentVersion            string    `json:"currentVersion"`
	CurrentDigest             string    `json:"currentDigest"`
	LatestVersion             string    `json:"latestVersion"`
	LatestDigest              string    `json:"latestDigest"`
	HasUpdate                 bool      `json:"hasUpdate"`
	CurrentVersionPublishDate time.Time `json:"currentVersionPublishDate,omitempty"`
	LatestVersionPublishDate  time.Time `json:"latestVersionPublishDate,omitempty"`
	LastChecked               time.Time `json:"lastChecked"`
}

// TrackedAppUpgradeRecord is one completed check-or-upgrade event for a
// tracked app, backing the upgrade-history endpoint.
type TrackedAppUpgradeRecord struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	TrackedAppID string    `json:"trackedAppId"`
	Timestamp    time.Time `json:"timestamp"`
	OldVersion   string    `json:"oldVersion,omitempty"`
	NewVersion   string    `json:"newVersion,omitempty"`
	OldDigest    string    `json:"oldDigest,omitempty"`
	NewDigest    string    `json:"newDigest,omitempty"`
	Outcome      string    `json:"outcome"` // detected | upgraded | failed
}

// RepositoryAccessToken is a credential for a private GitHub/GitLab
// repository or container registry namespace.
type RepositoryAccessToken struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Provider    string    `json:"provider"` // github | gitlab
	Name        string    `json:"name"`
	AccessToken string    `json:"accessToken"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Intent is a user-defined auto-upgrade policy: a match/exclude filter
// plus a schedule and execution bounds.
type Intent struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	Enabled            bool      `json:"enabled"`
	MatchContainers    []string  `json:"matchContainers,omitempty"`
	MatchImages        []string  `json:"matchImages,omitempty"`
	MatchInstances     []string  `json:"matchInstances,omitempty"`
	MatchStacks        []string  `json:"matchStacks,omitempty"`
	MatchRegistries    []string  `json:"matchRegistries,omitempty"`
	ExcludeContainers  []string  `json:"excludeContainers,omitempty"`
	ExcludeImages      []string  `json:"excludeImages,omitempty"`
	ExcludeStacks      []string  `json:"excludeStacks,omitempty"`
	ExcludeRegistries  []string  `json:"excludeRegistries,omitempty"`
	ScheduleType       string    `json:"scheduleType"` // immediate | scheduled
	ScheduleCron       string    `json:"scheduleCron,omitempty"`
	MaxConcurrent      int       `json:"maxConcurrent"`
	DryRun             bool      `json:"dryRun"`
	SequentialDelaySec int       `json:"sequentialDelaySec"`
	LastEvaluatedAt    time.Time `json:"lastEvaluatedAt,omitempty"`
	LastExecutionID    string    `json:"lastExecutionId,omitempty"`

	// Notification gates: each defaults to false on an unmarshalled-zero
	// Intent, so a user must opt in per event rather than being flooded by
	// default.
	NotifyOnUpdateDetected bool `json:"notifyOnUpdateDetected"`
	NotifyOnBatchStart     bool `json:"notifyOnBatchStart"`
	NotifyOnSuccess        bool `json:"notifyOnSuccess"`
	NotifyOnFailure        bool `json:"notifyOnFailure"`
}

// MaxIntentsPerUser is the hard cap enforced atomically on insert.
const MaxIntentsPerUser = 50

// IntentExecution is one audit-trail run of an Intent.
type IntentExecution struct {
	ID                 string    `json:"id"`
	IntentID           string    `json:"intentId"`
	UserID             string    `json:"userId"`
	Status             string    `json:"status"`      // pending|running|completed|failed|partial
	TriggerType        string    `json:"triggerType"` // scan_detected|manual|scheduled_window
	ContainersMatched  int       `json:"containersMatched"`
	ContainersUpgraded int       `json:"containersUpgraded"`
	ContainersFailed   int       `json:"containersFailed"`
	ContainersSkipped  int       `json:"containersSkipped"`
	StartedAt          time.Time `json:"startedAt"`
	CompletedAt        time.Time `json:"completedAt,omitempty"`
	DurationMs         int64     `json:"durationMs,omitempty"`
	ErrorMessage       string    `json:"errorMessage,omitempty"`
}

// IntentExecutionContainer is one per-container outcome row within an
// IntentExecution.
type IntentExecutionContainer struct {
	ExecutionID         string `json:"executionId"`
	ContainerID         string `json:"containerId"`
	ContainerName       string `json:"containerName"`
	ImageName           string `json:"imageName"`
	PortainerInstanceID string `json:"portainerInstanceId,omitempty"`
	Status              string `json:"status"` // upgraded|failed|skipped|dry_run
	OldImage            string `json:"oldImage,omitempty"`
	NewImage            string `json:"newImage,omitempty"`
	OldDigest           string `json:"oldDigest,omitempty"`
	NewDigest           string `json:"newDigest,omitempty"`
	ErrorMessage        string `json:"errorMessage,omitempty"`
	DurationMs          int64  `json:"durationMs,omitempty"`
}

// BatchConfig controls whether and how often a given batch job type runs
// for a user.
type BatchConfig struct {
	UserID          string `json:"userId"`
	JobType         string `json:"jobType"` // docker-hub-pull|tracked-apps-check|auto-update
	Enabled         bool   `json:"enabled"`
	IntervalMinutes int    `json:"intervalMinutes"`
}

// BatchRun is one execution of a batch job.
type BatchRun struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	JobType           string    `json:"jobType"`
	Status            string    `json:"status"` // running|completed|failed
	IsManual          bool      `json:"isManual"`
	StartedAt         time.Time `json:"startedAt"`
	CompletedAt       time.Time `json:"completedAt,omitempty"`
	DurationMs        int64     `json:"durationMs,omitempty"`
	ContainersChecked int       `json:"containersChecked"`
	ContainersUpdated int       `json:"containersUpdated"`
	ErrorMessage      string    `json:"errorMessage,omitempty"`
	Logs              []string  `json:"logs,omitempty"`
}

// NotificationSent records an at-most-once delivery so the dispatcher
// never re-sends for the same deduplication key.
type NotificationSent struct {
	UserID           string    `json:"userId"`
	DeduplicationKey string    `json:"deduplicationKey"`
	NotificationType string    `json:"notificationType"`
	SentAt           time.Time `json:"sentAt"`
}

// OAuthState is a single-use, TTL-bounded CSRF token for the login boundary.
type OAuthState struct {
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"used"`
}

// ContainerWithUpdate is the join result for getContainersWithUpdates:
// a container plus the digests needed to compute hasUpdate.
type ContainerWithUpdate struct {
	Container     Container
	CurrentDigest string
	LatestDigest  string
	NoDigest      bool
}

func tenantKey(userID, rowID string) []byte {
	return []byte(userID + "\x00" + rowID)
}

func tenantPrefix(userID string) []byte {
	return []byte(userID + "\x00")
}

func stripTenantPrefix(userID string, key []byte) string {
	return string(key[len(tenantPrefix(userID)):])
}
