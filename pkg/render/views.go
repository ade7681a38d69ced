package render

// StatsView is the data for the catalog summary template.
type StatsView struct {
	Total     int
	UpdatedAt string
	Rows      []StatsRow
	Symbols   []Count
}

// StatsRow is one platform line of the summary table.
type StatsRow struct {
	Platform  string
	Pending   int
	Mirrored  int
	Failed    int
	Parked    int
	Duplicate int
	Retired   int
	Total     int
}

// Count is a labeled counter.
type Count struct {
	Name  string
	Count int
}

// ArtifactView is the data for the per-record detail template.
type ArtifactView struct {
	ID            string
	Platform      string
	Version       string
	Build         string
	Kind          string
	ReleasedAt    string
	Status        string
	LastError     string
	Attempts      int
	SymbolStatus  string
	Size          int64
	Hash          string
	StoragePath   string
	LayoutVersion int
	MirroredAt    string
	FetchURL      string
}

// RunView is the data for the pipeline run summary template.
type RunView struct {
	RunID           string
	Duration        string
	Queued          int
	Started         int
	Mirrored        int
	Bundles         int
	Skipped         int
	NotApplicable   int
	Failed          int
	Parked          int
	BytesDownloaded int64
	BytesUploaded   int64
	BudgetExhausted bool
}
