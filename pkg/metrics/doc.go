/*
Package metrics registers the Data Distributor's Prometheus collectors:
shard and storage server gauges, data-move counters/histograms/in-flight
gauge, Raft leadership/peer gauges, control-API request counters, tracker
scan duration, relocation queue depth, wiggler cursor position and
servers-wiggled counter, audit task/outcome counters and duration, and
tenant operation counters and duration. Handler exposes them all at
/metrics for scraping; Timer is a small helper for recording a duration
into a histogram at the end of an operation.
*/
package metrics
