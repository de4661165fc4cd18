// Package crawler defines the domain types shared across the booth crawl
// pipeline: crawl jobs and their state machine, candidate and canonical
// entities, the collaborator interfaces, and the error taxonomy.
package crawler
