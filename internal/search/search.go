package search

// ProfileRecord is the data we index for a profile.
type ProfileRecord struct {
	ID            int64    `json:"id"`
	Firstname     string   `json:"firstname"`
	Lastname      string   `json:"lastname"`
	Fullname      string   `json:"fullname"`
	Nickname      string   `json:"nickname"`
	ActivityTypes []string `json:"activityTypes"`
}

// Query describes a profile search request.
//
// Term is split on whitespace: the first token is matched exactly against
// first name with a 5x boost, the last token (when more than one) exactly
// against last name with a 5x boost, and the whole term fuzzily against the
// combined full name. An empty Term searches by activity type alone.
// ActivityTypes combine conjunctively unless Method is "OR".
// Limit/Offset of -1 mean unbounded; count queries use that internally.
type Query struct {
	Term          string
	ActivityTypes []string
	Method        string
	Limit         int
	Offset        int
}

// Searcher can execute profile searches. Results are always ordered by
// relevance score descending, then id descending.
type Searcher interface {
	SearchFullname(q Query) ([]ProfileRecord, error)
	SearchFullnameCount(q Query) (int, error)
	SearchNickname(q Query) ([]ProfileRecord, error)
	SearchNicknameCount(q Query) (int, error)
	Healthy() bool
}

// Indexer can push profiles into a search index.
type Indexer interface {
	IndexProfile(p ProfileRecord) error
	IndexProfiles(ps []ProfileRecord) error
	DeleteProfile(id int64) error
}
