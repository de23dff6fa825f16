package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"trailhub/api/internal/auth"
	"trailhub/api/internal/authpw"
	"trailhub/api/internal/config"
	"trailhub/api/internal/email"
	"trailhub/api/internal/role"
	"trailhub/api/internal/search"
	"trailhub/api/internal/store"
	"trailhub/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	ProfileID    int64
	Name         string
	JTI          string
	ExpiresAt    time.Time
}

type CreateActivityInput struct {
	Name          string     `json:"name"`
	Description   string     `json:"description"`
	ActivityTypes []string   `json:"activityTypes"`
	Hashtags      []string   `json:"hashtags"`
	Continuous    bool       `json:"continuous"`
	StartTime     *time.Time `json:"startTime"`
	EndTime       *time.Time `json:"endTime"`
	Location      string     `json:"location"`
	Visibility    string     `json:"visibility"`
}

var allowedActivityTypes = map[string]struct{}{
	"Hike": {},
	"Bike": {},
	"Run":  {},
	"Walk": {},
	"Swim": {},
}

var allowedVisibility = map[string]struct{}{
	"public":     {},
	"restricted": {},
	"private":    {},
}

type dataStore interface {
	GetProfile(context.Context, int64) (store.Profile, error)
	ProfileActivityTypes(context.Context, int64) ([]string, error)
	FindEmailByAddress(context.Context, string) (store.Email, error)
	PrimaryEmail(context.Context, int64) (store.Email, error)
	InsertActivity(context.Context, store.Activity) (store.Activity, error)
	GetActivity(context.Context, int64) (store.Activity, error)
	ArchiveActivity(context.Context, int64) error
	AutocompleteHashtags(context.Context, string, int) ([]string, error)
	GetActivityRole(context.Context, int64, int64) (*store.ActivityRole, error)
	CreateActivityRole(context.Context, int64, int64, role.Type) error
	UpdateActivityRoleType(context.Context, int64, int64, role.Type) error
	DeleteActivityRole(context.Context, int64, int64) error
	ListMembers(context.Context, int64, role.Type, int, int) ([]store.Member, error)
	CountMembers(context.Context, int64, role.Type) (int, error)
	ActiveSubscription(context.Context, int64, int64) (*store.SubscriptionHistory, error)
	InsertSubscription(context.Context, int64, int64) error
	EndSubscription(context.Context, int64) error
	Ping(ctx context.Context) error
}

// SessionStore persists refresh tokens. Both the Redis and the Postgres
// backends satisfy it.
type SessionStore interface {
	SaveRefreshSession(context.Context, string, int64, time.Time) error
	LookupRefreshSession(context.Context, string) (store.Profile, error)
	RevokeRefreshSession(context.Context, string) error
}

type passwordAuth interface {
	Register(context.Context, authpw.RegisterRequest) (store.Profile, error)
	SignIn(context.Context, string, string) (store.Profile, error)
	RequestPasswordReset(context.Context, string) (string, error)
	ResetPassword(context.Context, authpw.ResetPasswordRequest) error
}

type profileSearch interface {
	SearchFullname(q search.Query) search.Response
	SearchNickname(q search.Query) search.Response
	IndexProfile(p search.ProfileRecord)
}

type emailSender interface {
	IsConfigured() bool
	SendWelcomeEmail(to, profileName, baseURL string) error
	SendPasswordResetEmail(to, profileName, resetURL string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  SessionStore
	passwords passwordAuth
	search    profileSearch
	email     emailSender
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions SessionStore, passwords *authpw.Service, searchSvc *search.Service, emailSvc *email.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: passwords,
		search:    searchSvc,
		email:     emailSvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Sessions ---

func (s *Service) Login(ctx context.Context, address, password string) (Session, error) {
	profile, err := s.passwords.SignIn(ctx, address, password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "No associated user with email and password", nil)
		}
		return Session{}, err
	}
	return s.issueSession(ctx, profile)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The Redis backend only stores the profile id; reload for fresh claims.
	profile, err := s.store.GetProfile(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, profile)
}

func (s *Service) issueSession(ctx context.Context, profile store.Profile) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  profile.ID,
		Name: profile.Firstname,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), profile.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		ProfileID:    profile.ID,
		Name:         profile.Firstname,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	profile, err := s.store.GetProfile(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		ProfileID: profile.ID,
		Name:      profile.Firstname,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- Registration ---

func (s *Service) Register(ctx context.Context, req authpw.RegisterRequest) (store.Profile, error) {
	for _, activityType := range req.ActivityTypes {
		if _, ok := allowedActivityTypes[activityType]; !ok {
			return store.Profile{}, domainError(http.StatusBadRequest, "BAD_REQUEST", "Invalid activity type", nil)
		}
	}

	profile, err := s.passwords.Register(ctx, req)
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			return store.Profile{}, domainError(http.StatusBadRequest, "BAD_REQUEST", "Email address already registered", nil)
		}
		return store.Profile{}, domainError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	}

	s.search.IndexProfile(profileRecord(profile))

	if s.email.IsConfigured() {
		go func() {
			if err := s.email.SendWelcomeEmail(req.Email, profile.FullName(), s.cfg.BaseURL); err != nil {
				log.Printf("email: welcome to profile %d: %v", profile.ID, err)
			}
		}()
	}

	return profile, nil
}

// --- Password reset ---

func (s *Service) RequestPasswordReset(ctx context.Context, address string) error {
	token, err := s.passwords.RequestPasswordReset(ctx, address)
	if err != nil {
		return err
	}
	if token == "" {
		// Unknown email; do not reveal that.
		return nil
	}
	if s.email.IsConfigured() {
		name := address
		if addr, err := s.store.FindEmailByAddress(ctx, address); err == nil {
			if profile, err := s.store.GetProfile(ctx, addr.ProfileID); err == nil {
				name = profile.FullName()
			}
		}
		resetURL := s.cfg.BaseURL + "/password/reset?token=" + token
		go func() {
			if err := s.email.SendPasswordResetEmail(address, name, resetURL); err != nil {
				log.Printf("email: password reset to %s: %v", address, err)
			}
		}()
	}
	return nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := s.passwords.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword}); err != nil {
		return domainError(http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	}
	return nil
}

// --- Subscriptions ---

func (s *Service) Follow(ctx context.Context, actor Session, profileID, activityID int64) error {
	if actor.ProfileID != profileID {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	if _, err := s.store.GetProfile(ctx, profileID); err != nil {
		return notFoundOr(err, "No such user")
	}
	if _, err := s.store.GetActivity(ctx, activityID); err != nil {
		return notFoundOr(err, "No such activity")
	}

	active, err := s.store.ActiveSubscription(ctx, profileID, activityID)
	if err != nil {
		return err
	}
	if active != nil {
		return domainError(http.StatusBadRequest, "BAD_REQUEST", "User already follows this activity", nil)
	}

	if err := s.store.InsertSubscription(ctx, profileID, activityID); err != nil {
		// The partial unique index serializes concurrent follows; a loser of
		// that race gets the same answer as a plain duplicate.
		if errors.Is(err, store.ErrDuplicateSubscription) {
			return domainError(http.StatusBadRequest, "BAD_REQUEST", "User already follows this activity", nil)
		}
		return err
	}
	return nil
}

func (s *Service) IsFollowing(ctx context.Context, profileID, activityID int64) (bool, error) {
	if _, err := s.store.GetProfile(ctx, profileID); err != nil {
		return false, notFoundOr(err, "No such user")
	}
	if _, err := s.store.GetActivity(ctx, activityID); err != nil {
		return false, notFoundOr(err, "No such activity")
	}
	active, err := s.store.ActiveSubscription(ctx, profileID, activityID)
	if err != nil {
		return false, err
	}
	return active != nil, nil
}

func (s *Service) Unfollow(ctx context.Context, actor Session, profileID, activityID int64) error {
	if actor.ProfileID != profileID {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	if _, err := s.store.GetProfile(ctx, profileID); err != nil {
		return notFoundOr(err, "No such user")
	}
	activity, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return notFoundOr(err, "No such activity")
	}
	if activity.CreatorID == profileID {
		return domainError(http.StatusBadRequest, "BAD_REQUEST", "Cannot unfollow an activity you created", nil)
	}

	active, err := s.store.ActiveSubscription(ctx, profileID, activityID)
	if err != nil {
		return err
	}
	if active == nil {
		return domainError(http.StatusBadRequest, "BAD_REQUEST", "User does not follow this activity", nil)
	}
	return s.store.EndSubscription(ctx, active.ID)
}

// --- Activity roles ---

// resolveRoleTarget runs the shared authorization chain for the subscriber
// endpoints and returns the target profile.
func (s *Service) resolveRoleTarget(ctx context.Context, actor Session, creatorID, activityID int64, targetEmail string) (store.Profile, error) {
	if actor.ProfileID != creatorID {
		return store.Profile{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	if _, err := s.store.GetProfile(ctx, creatorID); err != nil {
		return store.Profile{}, notFoundOr(err, "No such user")
	}
	activity, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return store.Profile{}, notFoundOr(err, "No such activity")
	}
	if activity.CreatorID != creatorID {
		return store.Profile{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "You are not the author of this activity", nil)
	}

	address, err := s.store.FindEmailByAddress(ctx, targetEmail)
	if err != nil {
		return store.Profile{}, notFoundOr(err, "No such email")
	}
	target, err := s.store.GetProfile(ctx, address.ProfileID)
	if err != nil {
		return store.Profile{}, notFoundOr(err, "No such user")
	}
	return target, nil
}

func (s *Service) SetRole(ctx context.Context, actor Session, creatorID, activityID int64, targetEmail, roleName string) (string, error) {
	roleType, parseErr := role.Parse(roleName)

	target, err := s.resolveRoleTarget(ctx, actor, creatorID, activityID, targetEmail)
	if err != nil {
		return "", err
	}
	if parseErr != nil {
		return "", domainError(http.StatusBadRequest, "BAD_REQUEST", "Invalid role", nil)
	}

	existing, err := s.store.GetActivityRole(ctx, target.ID, activityID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if err := s.store.UpdateActivityRoleType(ctx, target.ID, activityID, roleType); err != nil {
			return "", err
		}
		return "Activity role updated", nil
	}

	if err := s.store.CreateActivityRole(ctx, target.ID, activityID, roleType); err != nil {
		return "", err
	}
	// Role assignment implicitly grants following. The subscription check is
	// against the target pair, not the creator's.
	active, err := s.store.ActiveSubscription(ctx, target.ID, activityID)
	if err != nil {
		return "", err
	}
	if active == nil {
		if err := s.store.InsertSubscription(ctx, target.ID, activityID); err != nil && !errors.Is(err, store.ErrDuplicateSubscription) {
			return "", err
		}
		return "Activity role created and user is now subscribed", nil
	}
	return "Activity role created", nil
}

func (s *Service) RemoveRole(ctx context.Context, actor Session, creatorID, activityID int64, targetEmail string) (string, error) {
	target, err := s.resolveRoleTarget(ctx, actor, creatorID, activityID, targetEmail)
	if err != nil {
		return "", err
	}

	existing, err := s.store.GetActivityRole(ctx, target.ID, activityID)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "User is not subscribed", nil)
	}

	if err := s.store.DeleteActivityRole(ctx, target.ID, activityID); err != nil {
		return "", err
	}

	// Deleting a role always attempts to end the follow relationship.
	active, err := s.store.ActiveSubscription(ctx, target.ID, activityID)
	if err != nil {
		return "", err
	}
	if active == nil {
		return "", domainError(http.StatusBadRequest, "BAD_REQUEST", "User does not follow this activity", nil)
	}
	if err := s.store.EndSubscription(ctx, active.ID); err != nil {
		return "", err
	}
	return "Activity role deleted", nil
}

func (s *Service) GetRole(ctx context.Context, actor Session, creatorID, activityID int64, targetEmail string) (role.Type, error) {
	target, err := s.resolveRoleTarget(ctx, actor, creatorID, activityID, targetEmail)
	if err != nil {
		return "", err
	}

	existing, err := s.store.GetActivityRole(ctx, target.ID, activityID)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "User is not subscribed", nil)
	}
	return existing.Type, nil
}

// --- Membership enumeration ---

// ListMembers returns the role buckets for an activity. Pagination applies
// independently to each bucket. An empty typeFilter returns all five buckets.
func (s *Service) ListMembers(ctx context.Context, activityID int64, offset, limit int, typeFilter string) (map[string][]store.Member, error) {
	var only role.Type
	if typeFilter != "" {
		parsed, err := role.ParseMemberFilter(typeFilter)
		if err != nil {
			return nil, domainError(http.StatusBadRequest, "BAD_REQUEST", "Invalid member type", nil)
		}
		only = parsed
	}

	if _, err := s.store.GetActivity(ctx, activityID); err != nil {
		return nil, notFoundOr(err, "No such activity")
	}

	response := make(map[string][]store.Member)
	for _, roleType := range role.All {
		if only != "" && roleType != only {
			continue
		}
		members, err := s.store.ListMembers(ctx, activityID, roleType, limit, offset)
		if err != nil {
			return nil, err
		}
		if members == nil {
			members = []store.Member{}
		}
		response[string(roleType)] = members
	}
	return response, nil
}

func (s *Service) CountMembers(ctx context.Context, activityID int64) (map[string]int, error) {
	if _, err := s.store.GetActivity(ctx, activityID); err != nil {
		return nil, notFoundOr(err, "No such activity")
	}

	counts := make(map[string]int, len(role.All))
	keys := map[role.Type]string{
		role.Participant: "participants",
		role.Creator:     "creators",
		role.Organiser:   "organisers",
		role.Follower:    "followers",
		role.Access:      "accessors",
	}
	for roleType, key := range keys {
		count, err := s.store.CountMembers(ctx, activityID, roleType)
		if err != nil {
			return nil, err
		}
		counts[key] = count
	}
	return counts, nil
}

// --- Activities ---

func (s *Service) CreateActivity(ctx context.Context, actor Session, input CreateActivityInput) (store.Activity, error) {
	if strings.TrimSpace(input.Name) == "" {
		return store.Activity{}, domainError(http.StatusBadRequest, "BAD_REQUEST", "Activity name is required", nil)
	}
	for _, activityType := range input.ActivityTypes {
		if _, ok := allowedActivityTypes[activityType]; !ok {
			return store.Activity{}, domainError(http.StatusBadRequest, "BAD_REQUEST", "Invalid activity type", nil)
		}
	}
	if !input.Continuous && input.StartTime == nil {
		return store.Activity{}, domainError(http.StatusBadRequest, "BAD_REQUEST", "Start time is required for a duration activity", nil)
	}
	visibility := input.Visibility
	if visibility == "" {
		visibility = "public"
	}
	if _, ok := allowedVisibility[visibility]; !ok {
		return store.Activity{}, domainError(http.StatusBadRequest, "BAD_REQUEST", "Invalid visibility", nil)
	}

	activity := store.Activity{
		CreatorID:     actor.ProfileID,
		Name:          strings.TrimSpace(input.Name),
		Description:   input.Description,
		ActivityTypes: input.ActivityTypes,
		Hashtags:      normalizeHashtags(input.Hashtags),
		Continuous:    input.Continuous,
		StartTime:     input.StartTime,
		EndTime:       input.EndTime,
		Location:      input.Location,
		Visibility:    visibility,
	}
	return s.store.InsertActivity(ctx, activity)
}

func (s *Service) ArchiveActivity(ctx context.Context, actor Session, activityID int64) error {
	activity, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return notFoundOr(err, "No such activity")
	}
	if activity.CreatorID != actor.ProfileID {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "You are not the author of this activity", nil)
	}
	return s.store.ArchiveActivity(ctx, activityID)
}

func (s *Service) HashtagAutocomplete(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(prefix), "#"))
	if prefix == "" {
		return []string{}, nil
	}
	tags, err := s.store.AutocompleteHashtags(ctx, prefix, 10)
	if err != nil {
		return nil, err
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

// --- Search ---

func (s *Service) SearchProfiles(q search.Query) search.Response {
	return s.search.SearchFullname(q)
}

func (s *Service) SearchProfilesByNickname(q search.Query) search.Response {
	return s.search.SearchNickname(q)
}

// --- helpers ---

func profileRecord(p store.Profile) search.ProfileRecord {
	return search.ProfileRecord{
		ID:            p.ID,
		Firstname:     p.Firstname,
		Lastname:      p.Lastname,
		Fullname:      p.FullName(),
		Nickname:      p.Nickname,
		ActivityTypes: p.ActivityTypes,
	}
}

func normalizeHashtags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// notFoundOr maps sql.ErrNoRows to a 404 with the given message and passes
// every other error through.
func notFoundOr(err error, message string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
	}
	return err
}
