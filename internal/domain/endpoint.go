package domain

// Endpoint is one resource feed of the data API.
// LogicalName is unique within a catalog.
type Endpoint struct {
	LogicalName string `yaml:"name" json:"name"`
	PathSegment string `yaml:"path" json:"path"`           // e.g. "ed-fi/studentSchoolAssociations"
	StagingDir  string `yaml:"stagingDir" json:"stagingDir"` // directory under <silver>/[<year>/]
}

// DeletesPath returns the path segment of the endpoint's deletes twin.
func (e Endpoint) DeletesPath() string {
	return e.PathSegment + "/deletes"
}

// FeedKind distinguishes the primary feed from its deletes twin.
type FeedKind string

const (
	FeedPrimary FeedKind = "primary"
	FeedDeletes FeedKind = "deletes"
)
