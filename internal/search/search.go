// Package search keeps an external full-text index of documents current.
// Querying the index is left to other services.
package search

import "marksync/api/internal/store"

// Indexer can push documents into a search index.
type Indexer interface {
	IndexDocument(doc DocumentRecord) error
	DeleteDocument(id string) error
	Healthy() bool
}

// DocumentRecord is the data we index for a document.
type DocumentRecord struct {
	ID        string   `json:"id"`
	OwnerID   string   `json:"ownerId"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags"`
	Version   int64    `json:"version"`
	WordCount int      `json:"wordCount"`
	UpdatedAt int64    `json:"updatedAt"`
}

func RecordFromDocument(doc store.Document) DocumentRecord {
	tags := doc.Tags
	if tags == nil {
		tags = []string{}
	}
	return DocumentRecord{
		ID:        doc.ID,
		OwnerID:   doc.OwnerID,
		Title:     doc.Title,
		Content:   doc.Content,
		Tags:      tags,
		Version:   doc.Version,
		WordCount: doc.WordCount,
		UpdatedAt: doc.UpdatedAt.Unix(),
	}
}
