package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"trailhub/api/internal/authpw"
	"trailhub/api/internal/config"
	"trailhub/api/internal/role"
	"trailhub/api/internal/search"
	"trailhub/api/internal/store"
)

type fakeStore struct {
	getProfileFn             func(context.Context, int64) (store.Profile, error)
	profileActivityTypesFn   func(context.Context, int64) ([]string, error)
	findEmailByAddressFn     func(context.Context, string) (store.Email, error)
	primaryEmailFn           func(context.Context, int64) (store.Email, error)
	insertActivityFn         func(context.Context, store.Activity) (store.Activity, error)
	getActivityFn            func(context.Context, int64) (store.Activity, error)
	archiveActivityFn        func(context.Context, int64) error
	autocompleteHashtagsFn   func(context.Context, string, int) ([]string, error)
	getActivityRoleFn        func(context.Context, int64, int64) (*store.ActivityRole, error)
	createActivityRoleFn     func(context.Context, int64, int64, role.Type) error
	updateActivityRoleTypeFn func(context.Context, int64, int64, role.Type) error
	deleteActivityRoleFn     func(context.Context, int64, int64) error
	listMembersFn            func(context.Context, int64, role.Type, int, int) ([]store.Member, error)
	countMembersFn           func(context.Context, int64, role.Type) (int, error)
	activeSubscriptionFn     func(context.Context, int64, int64) (*store.SubscriptionHistory, error)
	insertSubscriptionFn     func(context.Context, int64, int64) error
	endSubscriptionFn        func(context.Context, int64) error
}

func (f *fakeStore) GetProfile(ctx context.Context, profileID int64) (store.Profile, error) {
	if f.getProfileFn != nil {
		return f.getProfileFn(ctx, profileID)
	}
	return store.Profile{}, sql.ErrNoRows
}
func (f *fakeStore) ProfileActivityTypes(ctx context.Context, profileID int64) ([]string, error) {
	if f.profileActivityTypesFn != nil {
		return f.profileActivityTypesFn(ctx, profileID)
	}
	return nil, nil
}
func (f *fakeStore) FindEmailByAddress(ctx context.Context, address string) (store.Email, error) {
	if f.findEmailByAddressFn != nil {
		return f.findEmailByAddressFn(ctx, address)
	}
	return store.Email{}, sql.ErrNoRows
}
func (f *fakeStore) PrimaryEmail(ctx context.Context, profileID int64) (store.Email, error) {
	if f.primaryEmailFn != nil {
		return f.primaryEmailFn(ctx, profileID)
	}
	return store.Email{}, sql.ErrNoRows
}
func (f *fakeStore) InsertActivity(ctx context.Context, item store.Activity) (store.Activity, error) {
	if f.insertActivityFn != nil {
		return f.insertActivityFn(ctx, item)
	}
	item.ID = 1
	return item, nil
}
func (f *fakeStore) GetActivity(ctx context.Context, activityID int64) (store.Activity, error) {
	if f.getActivityFn != nil {
		return f.getActivityFn(ctx, activityID)
	}
	return store.Activity{}, sql.ErrNoRows
}
func (f *fakeStore) ArchiveActivity(ctx context.Context, activityID int64) error {
	if f.archiveActivityFn != nil {
		return f.archiveActivityFn(ctx, activityID)
	}
	return nil
}
func (f *fakeStore) AutocompleteHashtags(ctx context.Context, prefix string, limit int) ([]string, error) {
	if f.autocompleteHashtagsFn != nil {
		return f.autocompleteHashtagsFn(ctx, prefix, limit)
	}
	return nil, nil
}
func (f *fakeStore) GetActivityRole(ctx context.Context, profileID, activityID int64) (*store.ActivityRole, error) {
	if f.getActivityRoleFn != nil {
		return f.getActivityRoleFn(ctx, profileID, activityID)
	}
	return nil, nil
}
func (f *fakeStore) CreateActivityRole(ctx context.Context, profileID, activityID int64, roleType role.Type) error {
	if f.createActivityRoleFn != nil {
		return f.createActivityRoleFn(ctx, profileID, activityID, roleType)
	}
	return nil
}
func (f *fakeStore) UpdateActivityRoleType(ctx context.Context, profileID, activityID int64, roleType role.Type) error {
	if f.updateActivityRoleTypeFn != nil {
		return f.updateActivityRoleTypeFn(ctx, profileID, activityID, roleType)
	}
	return nil
}
func (f *fakeStore) DeleteActivityRole(ctx context.Context, profileID, activityID int64) error {
	if f.deleteActivityRoleFn != nil {
		return f.deleteActivityRoleFn(ctx, profileID, activityID)
	}
	return nil
}
func (f *fakeStore) ListMembers(ctx context.Context, activityID int64, roleType role.Type, limit, offset int) ([]store.Member, error) {
	if f.listMembersFn != nil {
		return f.listMembersFn(ctx, activityID, roleType, limit, offset)
	}
	return nil, nil
}
func (f *fakeStore) CountMembers(ctx context.Context, activityID int64, roleType role.Type) (int, error) {
	if f.countMembersFn != nil {
		return f.countMembersFn(ctx, activityID, roleType)
	}
	return 0, nil
}
func (f *fakeStore) ActiveSubscription(ctx context.Context, profileID, activityID int64) (*store.SubscriptionHistory, error) {
	if f.activeSubscriptionFn != nil {
		return f.activeSubscriptionFn(ctx, profileID, activityID)
	}
	return nil, nil
}
func (f *fakeStore) InsertSubscription(ctx context.Context, profileID, activityID int64) error {
	if f.insertSubscriptionFn != nil {
		return f.insertSubscriptionFn(ctx, profileID, activityID)
	}
	return nil
}
func (f *fakeStore) EndSubscription(ctx context.Context, subscriptionID int64) error {
	if f.endSubscriptionFn != nil {
		return f.endSubscriptionFn(ctx, subscriptionID)
	}
	return nil
}
func (f *fakeStore) Ping(ctx context.Context) error { return nil }

type fakeSessions struct {
	tokens map[string]int64
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{tokens: make(map[string]int64)}
}

func (f *fakeSessions) SaveRefreshSession(ctx context.Context, tokenHash string, profileID int64, expiresAt time.Time) error {
	f.tokens[tokenHash] = profileID
	return nil
}
func (f *fakeSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.Profile, error) {
	if id, ok := f.tokens[tokenHash]; ok {
		return store.Profile{ID: id}, nil
	}
	return store.Profile{}, errors.New("token not found or expired")
}
func (f *fakeSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	delete(f.tokens, tokenHash)
	return nil
}

type fakePasswords struct {
	signInFn   func(context.Context, string, string) (store.Profile, error)
	registerFn func(context.Context, authpw.RegisterRequest) (store.Profile, error)
}

func (f *fakePasswords) SignIn(ctx context.Context, address, password string) (store.Profile, error) {
	if f.signInFn != nil {
		return f.signInFn(ctx, address, password)
	}
	return store.Profile{}, authpw.ErrInvalidCredentials
}
func (f *fakePasswords) Register(ctx context.Context, req authpw.RegisterRequest) (store.Profile, error) {
	if f.registerFn != nil {
		return f.registerFn(ctx, req)
	}
	return store.Profile{ID: 1, Firstname: req.Firstname, Lastname: req.Lastname, Nickname: req.Nickname}, nil
}
func (f *fakePasswords) RequestPasswordReset(ctx context.Context, address string) (string, error) {
	return "", nil
}
func (f *fakePasswords) ResetPassword(ctx context.Context, req authpw.ResetPasswordRequest) error {
	return nil
}

type fakeSearch struct {
	indexed []search.ProfileRecord
}

func (f *fakeSearch) SearchFullname(q search.Query) search.Response {
	return search.Response{Results: []search.ProfileRecord{}, Query: q.Term}
}
func (f *fakeSearch) SearchNickname(q search.Query) search.Response {
	return search.Response{Results: []search.ProfileRecord{}, Query: q.Term}
}
func (f *fakeSearch) IndexProfile(p search.ProfileRecord) {
	f.indexed = append(f.indexed, p)
}

type fakeEmail struct{}

func (f *fakeEmail) IsConfigured() bool                                       { return false }
func (f *fakeEmail) SendWelcomeEmail(to, profileName, baseURL string) error   { return nil }
func (f *fakeEmail) SendPasswordResetEmail(to, profileName, url string) error { return nil }

func newTestService(st *fakeStore) *Service {
	return &Service{
		cfg: config.Config{
			TokenSecret: "test-secret",
			AccessTTL:   time.Minute,
			RefreshTTL:  time.Hour,
		},
		store:     st,
		sessions:  newFakeSessions(),
		passwords: &fakePasswords{},
		search:    &fakeSearch{},
		email:     &fakeEmail{},
	}
}

func wantDomainError(t *testing.T, err error, status int, message string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != status {
		t.Fatalf("expected status %d, got %d (%s)", status, domainErr.Status, domainErr.Message)
	}
	if domainErr.Message != message {
		t.Fatalf("expected message %q, got %q", message, domainErr.Message)
	}
}

func existingProfile(id int64) func(context.Context, int64) (store.Profile, error) {
	return func(_ context.Context, profileID int64) (store.Profile, error) {
		if profileID == id {
			return store.Profile{ID: id, Firstname: "Jane", Lastname: "Doe"}, nil
		}
		return store.Profile{}, sql.ErrNoRows
	}
}

func existingActivity(id, creatorID int64) func(context.Context, int64) (store.Activity, error) {
	return func(_ context.Context, activityID int64) (store.Activity, error) {
		if activityID == id {
			return store.Activity{ID: id, CreatorID: creatorID, Name: "Morning Hike"}, nil
		}
		return store.Activity{}, sql.ErrNoRows
	}
}

func TestFollow(t *testing.T) {
	ctx := context.Background()
	actor := Session{ProfileID: 7}

	t.Run("success", func(t *testing.T) {
		var inserted bool
		st := &fakeStore{
			getProfileFn:  existingProfile(7),
			getActivityFn: existingActivity(3, 1),
			insertSubscriptionFn: func(_ context.Context, profileID, activityID int64) error {
				if profileID != 7 || activityID != 3 {
					t.Fatalf("unexpected subscription insert (%d,%d)", profileID, activityID)
				}
				inserted = true
				return nil
			},
		}
		if err := newTestService(st).Follow(ctx, actor, 7, 3); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !inserted {
			t.Fatal("expected subscription insert")
		}
	})

	t.Run("actor mismatch", func(t *testing.T) {
		st := &fakeStore{getProfileFn: existingProfile(7), getActivityFn: existingActivity(3, 1)}
		err := newTestService(st).Follow(ctx, Session{ProfileID: 99}, 7, 3)
		wantDomainError(t, err, 401, "Unauthorized")
	})

	t.Run("unknown profile", func(t *testing.T) {
		st := &fakeStore{getActivityFn: existingActivity(3, 1)}
		err := newTestService(st).Follow(ctx, actor, 7, 3)
		wantDomainError(t, err, 404, "No such user")
	})

	t.Run("unknown activity", func(t *testing.T) {
		st := &fakeStore{getProfileFn: existingProfile(7)}
		err := newTestService(st).Follow(ctx, actor, 7, 3)
		wantDomainError(t, err, 404, "No such activity")
	})

	t.Run("already following", func(t *testing.T) {
		st := &fakeStore{
			getProfileFn:  existingProfile(7),
			getActivityFn: existingActivity(3, 1),
			activeSubscriptionFn: func(context.Context, int64, int64) (*store.SubscriptionHistory, error) {
				return &store.SubscriptionHistory{ID: 11, ProfileID: 7, ActivityID: 3}, nil
			},
		}
		err := newTestService(st).Follow(ctx, actor, 7, 3)
		wantDomainError(t, err, 400, "User already follows this activity")
	})

	t.Run("lost insert race", func(t *testing.T) {
		st := &fakeStore{
			getProfileFn:  existingProfile(7),
			getActivityFn: existingActivity(3, 1),
			insertSubscriptionFn: func(context.Context, int64, int64) error {
				return store.ErrDuplicateSubscription
			},
		}
		err := newTestService(st).Follow(ctx, actor, 7, 3)
		wantDomainError(t, err, 400, "User already follows this activity")
	})
}

func TestIsFollowing(t *testing.T) {
	ctx := context.Background()

	st := &fakeStore{
		getProfileFn:  existingProfile(7),
		getActivityFn: existingActivity(3, 1),
		activeSubscriptionFn: func(context.Context, int64, int64) (*store.SubscriptionHistory, error) {
			return &store.SubscriptionHistory{ID: 11}, nil
		},
	}
	subscribed, err := newTestService(st).IsFollowing(ctx, 7, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !subscribed {
		t.Fatal("expected subscribed")
	}

	st.activeSubscriptionFn = func(context.Context, int64, int64) (*store.SubscriptionHistory, error) {
		return nil, nil
	}
	subscribed, err = newTestService(st).IsFollowing(ctx, 7, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subscribed {
		t.Fatal("expected not subscribed")
	}
}

func TestUnfollow(t *testing.T) {
	ctx := context.Background()
	actor := Session{ProfileID: 7}

	t.Run("creator cannot unfollow", func(t *testing.T) {
		st := &fakeStore{
			getProfileFn:  existingProfile(7),
			getActivityFn: existingActivity(3, 7),
		}
		err := newTestService(st).Unfollow(ctx, actor, 7, 3)
		wantDomainError(t, err, 400, "Cannot unfollow an activity you created")
	})

	t.Run("not following", func(t *testing.T) {
		st := &fakeStore{
			getProfileFn:  existingProfile(7),
			getActivityFn: existingActivity(3, 1),
		}
		err := newTestService(st).Unfollow(ctx, actor, 7, 3)
		wantDomainError(t, err, 400, "User does not follow this activity")
	})

	t.Run("ends active subscription", func(t *testing.T) {
		var ended int64
		st := &fakeStore{
			getProfileFn:  existingProfile(7),
			getActivityFn: existingActivity(3, 1),
			activeSubscriptionFn: func(context.Context, int64, int64) (*store.SubscriptionHistory, error) {
				return &store.SubscriptionHistory{ID: 42, ProfileID: 7, ActivityID: 3}, nil
			},
			endSubscriptionFn: func(_ context.Context, subscriptionID int64) error {
				ended = subscriptionID
				return nil
			},
		}
		if err := newTestService(st).Unfollow(ctx, actor, 7, 3); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ended != 42 {
			t.Fatalf("expected subscription 42 ended, got %d", ended)
		}
	})
}

func roleStore(creatorID, targetID, activityID int64) *fakeStore {
	return &fakeStore{
		getProfileFn: func(_ context.Context, profileID int64) (store.Profile, error) {
			if profileID == creatorID || profileID == targetID {
				return store.Profile{ID: profileID, Firstname: "Jane"}, nil
			}
			return store.Profile{}, sql.ErrNoRows
		},
		getActivityFn: existingActivity(activityID, creatorID),
		findEmailByAddressFn: func(_ context.Context, address string) (store.Email, error) {
			if address == "target@example.com" {
				return store.Email{Address: address, ProfileID: targetID, Primary: true}, nil
			}
			return store.Email{}, sql.ErrNoRows
		},
	}
}

func TestSetRole(t *testing.T) {
	ctx := context.Background()
	actor := Session{ProfileID: 1}

	t.Run("creates role and subscribes target", func(t *testing.T) {
		st := roleStore(1, 9, 3)
		var createdFor int64
		var subscribedFor int64
		st.createActivityRoleFn = func(_ context.Context, profileID, activityID int64, roleType role.Type) error {
			if roleType != role.Organiser {
				t.Fatalf("expected Organiser, got %s", roleType)
			}
			createdFor = profileID
			return nil
		}
		st.insertSubscriptionFn = func(_ context.Context, profileID, activityID int64) error {
			subscribedFor = profileID
			return nil
		}

		message, err := newTestService(st).SetRole(ctx, actor, 1, 3, "target@example.com", "organiser")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if message != "Activity role created and user is now subscribed" {
			t.Fatalf("unexpected message %q", message)
		}
		if createdFor != 9 {
			t.Fatalf("role created for %d, want target 9", createdFor)
		}
		if subscribedFor != 9 {
			t.Fatalf("subscription opened for %d, want target 9", subscribedFor)
		}
	})

	t.Run("creates role when target already follows", func(t *testing.T) {
		st := roleStore(1, 9, 3)
		st.activeSubscriptionFn = func(_ context.Context, profileID, activityID int64) (*store.SubscriptionHistory, error) {
			if profileID != 9 {
				t.Fatalf("subscription check against %d, want target 9", profileID)
			}
			return &store.SubscriptionHistory{ID: 5, ProfileID: 9, ActivityID: 3}, nil
		}
		st.insertSubscriptionFn = func(context.Context, int64, int64) error {
			t.Fatal("must not open a second subscription")
			return nil
		}

		message, err := newTestService(st).SetRole(ctx, actor, 1, 3, "target@example.com", "Participant")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if message != "Activity role created" {
			t.Fatalf("unexpected message %q", message)
		}
	})

	t.Run("updates existing role in place", func(t *testing.T) {
		st := roleStore(1, 9, 3)
		st.getActivityRoleFn = func(context.Context, int64, int64) (*store.ActivityRole, error) {
			return &store.ActivityRole{ID: 8, ProfileID: 9, ActivityID: 3, Type: role.Follower}, nil
		}
		var updated role.Type
		st.updateActivityRoleTypeFn = func(_ context.Context, profileID, activityID int64, roleType role.Type) error {
			updated = roleType
			return nil
		}
		st.insertSubscriptionFn = func(context.Context, int64, int64) error {
			t.Fatal("update must not touch subscriptions")
			return nil
		}

		message, err := newTestService(st).SetRole(ctx, actor, 1, 3, "target@example.com", "ORGANISER")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if message != "Activity role updated" {
			t.Fatalf("unexpected message %q", message)
		}
		if updated != role.Organiser {
			t.Fatalf("expected Organiser, got %s", updated)
		}
	})

	t.Run("invalid role name", func(t *testing.T) {
		st := roleStore(1, 9, 3)
		_, err := newTestService(st).SetRole(ctx, actor, 1, 3, "target@example.com", "dictator")
		wantDomainError(t, err, 400, "Invalid role")
	})

	t.Run("not the author", func(t *testing.T) {
		st := roleStore(2, 9, 3)
		st.getProfileFn = existingProfile(1)
		_, err := newTestService(st).SetRole(ctx, actor, 1, 3, "target@example.com", "organiser")
		wantDomainError(t, err, 401, "You are not the author of this activity")
	})

	t.Run("unknown email", func(t *testing.T) {
		st := roleStore(1, 9, 3)
		_, err := newTestService(st).SetRole(ctx, actor, 1, 3, "nobody@example.com", "organiser")
		wantDomainError(t, err, 404, "No such email")
	})
}

func TestRemoveRole(t *testing.T) {
	ctx := context.Background()
	actor := Session{ProfileID: 1}

	t.Run("no role row", func(t *testing.T) {
		st := roleStore(1, 9, 3)
		_, err := newTestService(st).RemoveRole(ctx, actor, 1, 3, "target@example.com")
		wantDomainError(t, err, 404, "User is not subscribed")
	})

	t.Run("deletes role and ends subscription", func(t *testing.T) {
		st := roleStore(1, 9, 3)
		st.getActivityRoleFn = func(context.Context, int64, int64) (*store.ActivityRole, error) {
			return &store.ActivityRole{ID: 8, ProfileID: 9, ActivityID: 3, Type: role.Participant}, nil
		}
		st.activeSubscriptionFn = func(context.Context, int64, int64) (*store.SubscriptionHistory, error) {
			return &store.SubscriptionHistory{ID: 5, ProfileID: 9, ActivityID: 3}, nil
		}
		var deleted, ended bool
		st.deleteActivityRoleFn = func(_ context.Context, profileID, activityID int64) error {
			if profileID != 9 {
				t.Fatalf("deleted role for %d, want target 9", profileID)
			}
			deleted = true
			return nil
		}
		st.endSubscriptionFn = func(_ context.Context, subscriptionID int64) error {
			if subscriptionID != 5 {
				t.Fatalf("ended subscription %d, want 5", subscriptionID)
			}
			ended = true
			return nil
		}

		message, err := newTestService(st).RemoveRole(ctx, actor, 1, 3, "target@example.com")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if message != "Activity role deleted" {
			t.Fatalf("unexpected message %q", message)
		}
		if !deleted || !ended {
			t.Fatalf("expected delete and end, got deleted=%v ended=%v", deleted, ended)
		}
	})

	t.Run("role without subscription is inconsistent", func(t *testing.T) {
		st := roleStore(1, 9, 3)
		st.getActivityRoleFn = func(context.Context, int64, int64) (*store.ActivityRole, error) {
			return &store.ActivityRole{ID: 8, ProfileID: 9, ActivityID: 3, Type: role.Participant}, nil
		}
		var deleted bool
		st.deleteActivityRoleFn = func(context.Context, int64, int64) error {
			deleted = true
			return nil
		}

		_, err := newTestService(st).RemoveRole(ctx, actor, 1, 3, "target@example.com")
		wantDomainError(t, err, 400, "User does not follow this activity")
		if !deleted {
			t.Fatal("role row must be deleted before the subscription check")
		}
	})
}

func TestGetRole(t *testing.T) {
	ctx := context.Background()
	actor := Session{ProfileID: 1}

	st := roleStore(1, 9, 3)
	st.getActivityRoleFn = func(context.Context, int64, int64) (*store.ActivityRole, error) {
		return &store.ActivityRole{ID: 8, ProfileID: 9, ActivityID: 3, Type: role.Access}, nil
	}

	got, err := newTestService(st).GetRole(ctx, actor, 1, 3, "target@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != role.Access {
		t.Fatalf("expected Access, got %s", got)
	}

	st.getActivityRoleFn = nil
	_, err = newTestService(st).GetRole(ctx, actor, 1, 3, "target@example.com")
	wantDomainError(t, err, 404, "User is not subscribed")
}

func TestListMembers(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid filter checked before activity lookup", func(t *testing.T) {
		st := &fakeStore{
			getActivityFn: func(context.Context, int64) (store.Activity, error) {
				t.Fatal("activity must not be loaded for an invalid filter")
				return store.Activity{}, nil
			},
		}
		_, err := newTestService(st).ListMembers(ctx, 3, 0, 10, "bogus")
		wantDomainError(t, err, 400, "Invalid member type")
	})

	t.Run("access is filtered as accessor", func(t *testing.T) {
		st := &fakeStore{
			getActivityFn: existingActivity(3, 1),
			listMembersFn: func(_ context.Context, _ int64, roleType role.Type, _, _ int) ([]store.Member, error) {
				if roleType != role.Access {
					t.Fatalf("expected Access bucket, got %s", roleType)
				}
				return []store.Member{{ProfileID: 9, Firstname: "Jane"}}, nil
			},
		}
		buckets, err := newTestService(st).ListMembers(ctx, 3, 0, 10, "accessor")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(buckets) != 1 {
			t.Fatalf("expected one bucket, got %d", len(buckets))
		}
		if len(buckets["Access"]) != 1 {
			t.Fatalf("expected one Access member, got %v", buckets)
		}
	})

	t.Run("no filter returns all five buckets", func(t *testing.T) {
		st := &fakeStore{getActivityFn: existingActivity(3, 1)}
		buckets, err := newTestService(st).ListMembers(ctx, 3, 0, 10, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, key := range []string{"Organiser", "Participant", "Access", "Follower", "Creator"} {
			members, ok := buckets[key]
			if !ok {
				t.Fatalf("missing bucket %s", key)
			}
			if members == nil {
				t.Fatalf("bucket %s must not be nil", key)
			}
		}
	})

	t.Run("unknown activity", func(t *testing.T) {
		st := &fakeStore{}
		_, err := newTestService(st).ListMembers(ctx, 3, 0, 10, "")
		wantDomainError(t, err, 404, "No such activity")
	})
}

func TestCountMembers(t *testing.T) {
	ctx := context.Background()

	st := &fakeStore{
		getActivityFn: existingActivity(3, 1),
		countMembersFn: func(_ context.Context, _ int64, roleType role.Type) (int, error) {
			if roleType == role.Follower {
				return 4, nil
			}
			return 1, nil
		},
	}

	counts, err := newTestService(st).CountMembers(ctx, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, key := range []string{"participants", "creators", "organisers", "followers", "accessors"} {
		if _, ok := counts[key]; !ok {
			t.Fatalf("missing count key %s", key)
		}
	}
	if counts["followers"] != 4 {
		t.Fatalf("expected 4 followers, got %d", counts["followers"])
	}
}

func TestLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid credentials", func(t *testing.T) {
		svc := newTestService(&fakeStore{})
		_, err := svc.Login(ctx, "nobody@example.com", "wrong")
		wantDomainError(t, err, 401, "No associated user with email and password")
	})

	t.Run("issues tokens", func(t *testing.T) {
		svc := newTestService(&fakeStore{getProfileFn: existingProfile(7)})
		svc.passwords = &fakePasswords{
			signInFn: func(context.Context, string, string) (store.Profile, error) {
				return store.Profile{ID: 7, Firstname: "Jane"}, nil
			},
		}

		session, err := svc.Login(ctx, "jane@example.com", "password123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if session.Token == "" || session.RefreshToken == "" {
			t.Fatal("expected access and refresh tokens")
		}
		if session.ProfileID != 7 {
			t.Fatalf("expected profile 7, got %d", session.ProfileID)
		}

		parsed, err := svc.SessionFromToken(ctx, session.Token)
		if err != nil {
			t.Fatalf("token did not verify: %v", err)
		}
		if parsed.ProfileID != 7 {
			t.Fatalf("expected profile 7 from token, got %d", parsed.ProfileID)
		}
	})
}

func TestRefreshRotatesToken(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(&fakeStore{getProfileFn: existingProfile(7)})
	svc.passwords = &fakePasswords{
		signInFn: func(context.Context, string, string) (store.Profile, error) {
			return store.Profile{ID: 7, Firstname: "Jane"}, nil
		},
	}

	first, err := svc.Login(ctx, "jane@example.com", "password123")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	second, err := svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token must rotate")
	}

	// Old token is revoked
	if _, err := svc.Refresh(ctx, first.RefreshToken); err == nil {
		t.Fatal("expected revoked refresh token to fail")
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("indexes the new profile", func(t *testing.T) {
		svc := newTestService(&fakeStore{})
		indexed := &fakeSearch{}
		svc.search = indexed

		profile, err := svc.Register(ctx, authpw.RegisterRequest{
			Firstname: "Jane", Lastname: "Doe", Email: "jane@example.com", Password: "password123",
			ActivityTypes: []string{"Hike"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if profile.ID == 0 {
			t.Fatal("expected profile id")
		}
		if len(indexed.indexed) != 1 {
			t.Fatalf("expected one indexed record, got %d", len(indexed.indexed))
		}
	})

	t.Run("invalid activity type", func(t *testing.T) {
		svc := newTestService(&fakeStore{})
		_, err := svc.Register(ctx, authpw.RegisterRequest{
			Firstname: "Jane", Lastname: "Doe", Email: "jane@example.com", Password: "password123",
			ActivityTypes: []string{"Skydiving"},
		})
		wantDomainError(t, err, 400, "Invalid activity type")
	})

	t.Run("duplicate email", func(t *testing.T) {
		svc := newTestService(&fakeStore{})
		svc.passwords = &fakePasswords{
			registerFn: func(context.Context, authpw.RegisterRequest) (store.Profile, error) {
				return store.Profile{}, authpw.ErrEmailTaken
			},
		}
		_, err := svc.Register(ctx, authpw.RegisterRequest{
			Firstname: "Jane", Lastname: "Doe", Email: "jane@example.com", Password: "password123",
		})
		wantDomainError(t, err, 400, "Email address already registered")
	})
}

func TestCreateActivity(t *testing.T) {
	ctx := context.Background()
	actor := Session{ProfileID: 7}

	t.Run("success", func(t *testing.T) {
		start := time.Now().Add(time.Hour)
		st := &fakeStore{
			insertActivityFn: func(_ context.Context, item store.Activity) (store.Activity, error) {
				if item.CreatorID != 7 {
					t.Fatalf("creator %d, want 7", item.CreatorID)
				}
				if len(item.Hashtags) != 1 || item.Hashtags[0] != "sunrise" {
					t.Fatalf("unexpected hashtags %v", item.Hashtags)
				}
				item.ID = 3
				return item, nil
			},
		}
		activity, err := newTestService(st).CreateActivity(ctx, actor, CreateActivityInput{
			Name:          "Morning Hike",
			ActivityTypes: []string{"Hike"},
			Hashtags:      []string{"#Sunrise", "sunrise"},
			StartTime:     &start,
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if activity.ID != 3 {
			t.Fatalf("expected id 3, got %d", activity.ID)
		}
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := newTestService(&fakeStore{}).CreateActivity(ctx, actor, CreateActivityInput{Continuous: true})
		wantDomainError(t, err, 400, "Activity name is required")
	})

	t.Run("invalid activity type", func(t *testing.T) {
		_, err := newTestService(&fakeStore{}).CreateActivity(ctx, actor, CreateActivityInput{
			Name: "X", Continuous: true, ActivityTypes: []string{"Skydiving"},
		})
		wantDomainError(t, err, 400, "Invalid activity type")
	})

	t.Run("duration activity needs a start time", func(t *testing.T) {
		_, err := newTestService(&fakeStore{}).CreateActivity(ctx, actor, CreateActivityInput{Name: "X"})
		wantDomainError(t, err, 400, "Start time is required for a duration activity")
	})
}

func TestArchiveActivity(t *testing.T) {
	ctx := context.Background()

	t.Run("owner archives", func(t *testing.T) {
		var archived int64
		st := &fakeStore{
			getActivityFn: existingActivity(3, 7),
			archiveActivityFn: func(_ context.Context, activityID int64) error {
				archived = activityID
				return nil
			},
		}
		if err := newTestService(st).ArchiveActivity(ctx, Session{ProfileID: 7}, 3); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if archived != 3 {
			t.Fatalf("expected activity 3 archived, got %d", archived)
		}
	})

	t.Run("non-owner rejected", func(t *testing.T) {
		st := &fakeStore{getActivityFn: existingActivity(3, 7)}
		err := newTestService(st).ArchiveActivity(ctx, Session{ProfileID: 9}, 3)
		wantDomainError(t, err, 401, "You are not the author of this activity")
	})
}

func TestHashtagAutocomplete(t *testing.T) {
	ctx := context.Background()

	st := &fakeStore{
		autocompleteHashtagsFn: func(_ context.Context, prefix string, limit int) ([]string, error) {
			if prefix != "sun" {
				t.Fatalf("expected normalized prefix sun, got %q", prefix)
			}
			return []string{"sunrise", "sunset"}, nil
		},
	}
	tags, err := newTestService(st).HashtagAutocomplete(ctx, " #Sun")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", tags)
	}

	tags, err = newTestService(&fakeStore{}).HashtagAutocomplete(ctx, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tags) != 0 {
		t.Fatalf("empty prefix should yield no tags, got %v", tags)
	}
}
