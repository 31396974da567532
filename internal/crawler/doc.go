// Package crawler holds the domain types of the note crawler and the
// orchestrator that ties them together: the Engine walks keyword searches
// through a Navigator, extracts and filters candidate notes, and hands the
// survivors to a CollectionSink that stores images, metadata and
// annotations.
package crawler
