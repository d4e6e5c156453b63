// Package harvest defines the domain types and collaborator interfaces shared
// by the session controller, the recovery and challenge machinery, and the
// lead pipeline of the shopping lead harvester.
package harvest
