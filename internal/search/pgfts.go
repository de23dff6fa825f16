package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher directly against PostgreSQL as a fallback.
// It reproduces the search contract exactly: a 5x boost for an exact
// first-token match on firstname, a 5x boost for an exact last-token match
// on lastname when the term has several tokens, ts_rank over the combined
// full name, and score DESC, id DESC ordering.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL profile searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const profileColumns = `
	p.id, p.firstname, p.lastname, p.nickname,
	CONCAT_WS(' ', NULLIF(p.firstname, ''), NULLIF(p.middlename, ''), NULLIF(p.lastname, '')) AS fullname,
	(SELECT COALESCE(STRING_AGG(pat.activity_type, ' '), '')
	 FROM profile_activity_types pat WHERE pat.profile_id = p.id) AS activity_types`

// buildTypeClause appends one EXISTS clause per activity type, conjunctive by
// default and disjunctive when method is "OR".
func buildTypeClause(activityTypes []string, method string, args *[]any) string {
	if len(activityTypes) == 0 {
		return ""
	}
	join := " AND "
	if method == "OR" {
		join = " OR "
	}
	clauses := make([]string, 0, len(activityTypes))
	for _, activityType := range activityTypes {
		*args = append(*args, activityType)
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM profile_activity_types pat WHERE pat.profile_id = p.id AND pat.activity_type = $%d)",
			len(*args)))
	}
	return "(" + strings.Join(clauses, join) + ")"
}

// buildFullnameClauses returns the match predicate, the score expression and
// the bound arguments for a full-name query.
func buildFullnameClauses(q Query) (where, score string, args []any) {
	tokens := strings.Fields(q.Term)

	var matchParts, scoreParts []string
	if len(tokens) > 0 {
		args = append(args, tokens[0])
		firstArg := len(args)
		matchParts = append(matchParts, fmt.Sprintf("LOWER(p.firstname) = LOWER($%d)", firstArg))
		scoreParts = append(scoreParts, fmt.Sprintf("CASE WHEN LOWER(p.firstname) = LOWER($%d) THEN 5.0 ELSE 0.0 END", firstArg))

		args = append(args, q.Term)
		termArg := len(args)
		matchParts = append(matchParts, fmt.Sprintf("p.fts @@ plainto_tsquery('english', $%d)", termArg))
		scoreParts = append(scoreParts, fmt.Sprintf("ts_rank(p.fts, plainto_tsquery('english', $%d))", termArg))

		if len(tokens) > 1 {
			args = append(args, tokens[len(tokens)-1])
			lastArg := len(args)
			matchParts = append(matchParts, fmt.Sprintf("LOWER(p.lastname) = LOWER($%d)", lastArg))
			scoreParts = append(scoreParts, fmt.Sprintf("CASE WHEN LOWER(p.lastname) = LOWER($%d) THEN 5.0 ELSE 0.0 END", lastArg))
		}
	}

	var whereParts []string
	if len(matchParts) > 0 {
		whereParts = append(whereParts, "("+strings.Join(matchParts, " OR ")+")")
	}
	if typeClause := buildTypeClause(q.ActivityTypes, q.Method, &args); typeClause != "" {
		whereParts = append(whereParts, typeClause)
	}

	score = "0.0"
	if len(scoreParts) > 0 {
		score = strings.Join(scoreParts, " + ")
	}
	return strings.Join(whereParts, " AND "), score, args
}

func pagination(q Query) string {
	var sb strings.Builder
	if q.Limit != -1 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	if q.Offset != -1 {
		fmt.Fprintf(&sb, " OFFSET %d", q.Offset)
	}
	return sb.String()
}

func (p *PgFTS) query(whereSQL, scoreSQL string, args []any, q Query) ([]ProfileRecord, error) {
	if whereSQL == "" {
		return nil, nil
	}

	dataSQL := fmt.Sprintf(`
		SELECT %s, %s AS score
		FROM profiles p
		WHERE %s
		ORDER BY score DESC, p.id DESC%s`,
		profileColumns, scoreSQL, whereSQL, pagination(q))

	rows, err := p.db.QueryContext(context.Background(), dataSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []ProfileRecord
	for rows.Next() {
		var r ProfileRecord
		var types string
		var score float64
		if err := rows.Scan(&r.ID, &r.Firstname, &r.Lastname, &r.Nickname, &r.Fullname, &types, &score); err != nil {
			return nil, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ActivityTypes = strings.Fields(types)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (p *PgFTS) count(whereSQL string, args []any) (int, error) {
	if whereSQL == "" {
		return 0, nil
	}
	countSQL := fmt.Sprintf(`SELECT count(*) FROM profiles p WHERE %s`, whereSQL)
	var total int
	if err := p.db.QueryRowContext(context.Background(), countSQL, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("pgfts count: %w", err)
	}
	return total, nil
}

// SearchFullname searches profiles by name and/or activity type.
func (p *PgFTS) SearchFullname(q Query) ([]ProfileRecord, error) {
	whereSQL, scoreSQL, args := buildFullnameClauses(q)
	return p.query(whereSQL, scoreSQL, args, q)
}

// SearchFullnameCount counts matches using identical query construction.
func (p *PgFTS) SearchFullnameCount(q Query) (int, error) {
	whereSQL, _, args := buildFullnameClauses(q)
	return p.count(whereSQL, args)
}

func buildNicknameClauses(q Query) (where string, args []any) {
	if strings.TrimSpace(q.Term) == "" {
		return "", nil
	}
	args = append(args, strings.TrimSpace(q.Term))
	whereParts := []string{fmt.Sprintf("LOWER(p.nickname) = LOWER($%d)", len(args))}
	if typeClause := buildTypeClause(q.ActivityTypes, q.Method, &args); typeClause != "" {
		whereParts = append(whereParts, typeClause)
	}
	return strings.Join(whereParts, " AND "), args
}

// SearchNickname searches profiles by exact nickname match.
func (p *PgFTS) SearchNickname(q Query) ([]ProfileRecord, error) {
	whereSQL, args := buildNicknameClauses(q)
	return p.query(whereSQL, "1.0", args, q)
}

// SearchNicknameCount counts nickname matches.
func (p *PgFTS) SearchNicknameCount(q Query) (int, error) {
	whereSQL, args := buildNicknameClauses(q)
	return p.count(whereSQL, args)
}

// LoadAllRecords returns every profile for full reindexing into Meilisearch.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ProfileRecord, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM profiles p`, profileColumns))
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()

	records := make([]ProfileRecord, 0)
	for rows.Next() {
		var r ProfileRecord
		var types string
		if err := rows.Scan(&r.ID, &r.Firstname, &r.Lastname, &r.Nickname, &r.Fullname, &types); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		r.ActivityTypes = strings.Fields(types)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return records, nil
}
