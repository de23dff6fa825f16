package store

import (
	"time"

	"trailhub/api/internal/role"
)

type Profile struct {
	ID            int64
	Firstname     string
	Middlename    string
	Lastname      string
	Nickname      string
	Bio           string
	DateOfBirth   string
	Gender        string
	Fitness       int
	ActivityTypes []string
	PasswordHash  string
	CreatedAt     time.Time
}

// FullName is the combined name the search index matches fuzzy terms against.
func (p Profile) FullName() string {
	if p.Middlename == "" {
		return p.Firstname + " " + p.Lastname
	}
	return p.Firstname + " " + p.Middlename + " " + p.Lastname
}

type Email struct {
	Address   string
	ProfileID int64
	Primary   bool
}

type Activity struct {
	ID            int64
	CreatorID     int64
	Name          string
	Description   string
	ActivityTypes []string
	Hashtags      []string
	Continuous    bool
	StartTime     *time.Time
	EndTime       *time.Time
	Location      string
	Visibility    string
	Archived      bool
	CreatedAt     time.Time
}

type Tag struct {
	ID    int64
	Name  string
	Usage int
}

type ActivityRole struct {
	ID         int64
	ProfileID  int64
	ActivityID int64
	Type       role.Type
}

type SubscriptionHistory struct {
	ID            int64
	ProfileID     int64
	ActivityID    int64
	StartDateTime time.Time
	EndDateTime   *time.Time
}

// Member is one entry in an activity's member listing.
type Member struct {
	ProfileID int64  `json:"profileId"`
	Firstname string `json:"firstname"`
	Lastname  string `json:"lastname"`
	Nickname  string `json:"nickname,omitempty"`
}
