package models

import "time"

// RequestRecord is a group of identical inbound requests observed by the
// metrics collaborator. Count of zero or less stands for a single request.
type RequestRecord struct {
	Path      string
	UserAgent string
	SourceIP  string
	Timestamp time.Time
	Count     int
}

// Weight is the number of requests the record stands for
func (r RequestRecord) Weight() int {
	if r.Count < 1 {
		return 1
	}
	return r.Count
}

// BusinessActivity summarizes business transactions for a workload window
type BusinessActivity struct {
	Transactions float64

	// RevenueCorrelation scales the business idle score when known.
	// Nil means no revenue signal is available.
	RevenueCorrelation *float64
}

// DependencyStatus is the health of one declared dependency
type DependencyStatus struct {
	Name    string
	Healthy bool
}
