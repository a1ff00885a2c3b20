package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/vinayprograms/overbot/gateway"
)

// DefaultSearchLimit is used when Search is called without a limit.
const DefaultSearchLimit = 10

// Index is an in-memory full-text index over cached messages. The cache
// keeps it in step with evictions and deletions.
type Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

// messageDocument is the indexed form of a message.
type messageDocument struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	GuildID   string    `json:"guild_id"`
	AuthorID  string    `json:"author_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Hit is one search result.
type Hit struct {
	ID        string  `json:"id"`
	ChannelID string  `json:"channel_id"`
	Score     float64 `json:"score"`
}

// NewIndex creates an empty memory-only index.
func NewIndex() (*Index, error) {
	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create bleve index: %w", err)
	}
	return &Index{index: index}, nil
}

// buildIndexMapping creates the Bleve index mapping.
func buildIndexMapping() mapping.IndexMapping {
	msgMapping := bleve.NewDocumentMapping()

	// Text field mapping (analyzed for full-text search)
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	// Keyword field mapping (not analyzed, exact match)
	keywordFieldMapping := bleve.NewKeywordFieldMapping()

	msgMapping.AddFieldMappingsAt("content", textFieldMapping)
	msgMapping.AddFieldMappingsAt("author", textFieldMapping)
	msgMapping.AddFieldMappingsAt("id", keywordFieldMapping)
	msgMapping.AddFieldMappingsAt("channel_id", keywordFieldMapping)
	msgMapping.AddFieldMappingsAt("guild_id", keywordFieldMapping)
	msgMapping.AddFieldMappingsAt("author_id", keywordFieldMapping)
	msgMapping.AddFieldMappingsAt("timestamp", bleve.NewDateTimeFieldMapping())

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = msgMapping
	indexMapping.DefaultAnalyzer = standard.Name
	return indexMapping
}

func docID(channelID, id string) string {
	return channelID + "/" + id
}

func (x *Index) put(m gateway.Message) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil
	}
	return x.index.Index(docID(m.ChannelID, m.ID), messageDocument{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		AuthorID:  m.Author.ID,
		Author:    m.Author.Username,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	})
}

func (x *Index) removeAll(channelID string, ids []string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed || len(ids) == 0 {
		return nil
	}
	batch := x.index.NewBatch()
	for _, id := range ids {
		batch.Delete(docID(channelID, id))
	}
	return x.index.Batch(batch)
}

// Search runs a match query over message content and author names,
// optionally restricted to one channel.
func (x *Index) Search(queryText, channelID string, limit int) ([]Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return nil, fmt.Errorf("search index closed")
	}
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	contentQuery := bleve.NewMatchQuery(queryText)
	contentQuery.SetField("content")
	authorQuery := bleve.NewMatchQuery(queryText)
	authorQuery.SetField("author")
	text := bleve.NewDisjunctionQuery(contentQuery, authorQuery)

	var q query.Query = text
	if channelID != "" {
		channelQuery := bleve.NewTermQuery(channelID)
		channelQuery.SetField("channel_id")

		boolQuery := bleve.NewBooleanQuery()
		boolQuery.AddMust(text)
		boolQuery.AddMust(channelQuery)
		q = boolQuery
	}

	searchReq := bleve.NewSearchRequest(q)
	searchReq.Size = limit
	searchReq.Fields = []string{"id", "channel_id"}

	searchResult, err := x.index.Search(searchReq)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	hits := make([]Hit, 0, len(searchResult.Hits))
	for _, h := range searchResult.Hits {
		hit := Hit{Score: h.Score}
		hit.ID, _ = h.Fields["id"].(string)
		hit.ChannelID, _ = h.Fields["channel_id"].(string)
		hits = append(hits, hit)
	}
	return hits, nil
}

// Count returns the number of indexed messages.
func (x *Index) Count() (uint64, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0, nil
	}
	return x.index.DocCount()
}

// Close releases the index. Later writes are dropped.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	return x.index.Close()
}
