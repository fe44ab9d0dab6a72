// Package mysql persists gateway sessions, research jobs and payment claims
// in MySQL. Schema changes ship as embedded migrations applied by Open.
package mysql
