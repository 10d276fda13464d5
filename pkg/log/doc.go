/*
Package log wraps zerolog with the Data Distributor's own conventions:
a component-scoped sub-logger per package via WithComponent, plus
With{ServerID,MoveID,AuditID,TenantID} helpers so a log line can be
correlated by the same ids the domain types in pkg/types use. Init sets
the process-wide level and JSON/console output mode once at startup
from the CLI's --log-level/--log-json flags.
*/
package log
