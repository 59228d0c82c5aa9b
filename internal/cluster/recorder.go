package cluster

// Recorder receives clustering counters. internal/metrics implements it
// with Prometheus collectors.
type Recorder interface {
	ItemsAssigned(n int)
	ClustersCreated(n int)
	OrphanItems(n int)
	ClustersMerged(n int)
	ClustersTransitioned(to string, n int)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) ItemsAssigned(int)                {}
func (NopRecorder) ClustersCreated(int)              {}
func (NopRecorder) OrphanItems(int)                  {}
func (NopRecorder) ClustersMerged(int)               {}
func (NopRecorder) ClustersTransitioned(string, int) {}
