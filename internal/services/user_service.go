package services

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/Masterminds/squirrel"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"NeighborChat/server/internal/db"
	"NeighborChat/server/internal/models"
)

// UserService is the local directory of identities issued elsewhere.
type UserService interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	EnsureUser(ctx context.Context, user models.User) error
	// ResolveUsers returns the ids that do not belong to a known identity.
	ResolveUsers(ctx context.Context, ids []string) ([]string, error)
}

type userService struct {
	db     *db.DB
	clock  clockwork.Clock
	known  *lru.Cache[string, struct{}]
	logger zerolog.Logger
}

func NewUserService(d *db.DB, clock clockwork.Clock, cacheSize int, logger zerolog.Logger) (*userService, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	known, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "identity cache")
	}
	return &userService{
		db:     d,
		clock:  clock,
		known:  known,
		logger: logger.With().Str("service", "users").Logger(),
	}, nil
}

func (us *userService) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	query := us.db.Builder().
		Select("id", "username", "email", "created_at").
		From("users").
		Where(squirrel.Eq{"id": id})

	var user models.User
	err := us.db.Get(ctx, us.db.Conn(), query, &user.ID, &user.Username, &user.Email, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrUserNotFound
	}
	if err != nil {
		us.logger.Error().Err(err).Str("user_id", id).Msg("error getting user")
		return nil, err
	}
	us.known.Add(user.ID, struct{}{})
	return &user, nil
}

func (us *userService) EnsureUser(ctx context.Context, user models.User) error {
	if user.ID == "" {
		return errors.Wrap(models.ErrInvalidRequest, "user id is required")
	}
	if us.known.Contains(user.ID) {
		return nil
	}
	if user.Username == "" {
		user.Username = user.ID
	}

	query := us.db.Builder().
		Insert("users").
		Columns("id", "username", "email", "created_at").
		Values(user.ID, user.Username, user.Email, now(us.clock)).
		Suffix("ON CONFLICT (id) DO UPDATE SET username = excluded.username, email = COALESCE(excluded.email, users.email)")

	if _, err := us.db.Exec(ctx, us.db.Conn(), query); err != nil {
		us.logger.Error().Err(err).Str("user_id", user.ID).Msg("error saving user")
		return err
	}
	us.known.Add(user.ID, struct{}{})
	us.logger.Debug().Str("user_id", user.ID).Msg("user registered in directory")
	return nil
}

func (us *userService) ResolveUsers(ctx context.Context, ids []string) ([]string, error) {
	var lookup []string
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if !us.known.Contains(id) {
			lookup = append(lookup, id)
		}
	}
	if len(lookup) == 0 {
		return nil, nil
	}

	rows, err := us.db.Select(ctx, us.db.Conn(), us.db.Builder().
		Select("id").
		From("users").
		Where(squirrel.Eq{"id": lookup}))
	if err != nil {
		us.logger.Error().Err(err).Msg("error resolving users")
		return nil, err
	}
	defer rows.Close()

	found := make(map[string]struct{}, len(lookup))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = struct{}{}
		us.known.Add(id, struct{}{})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, id := range lookup {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// now is the persisted form of the current time: UTC at the precision
// postgres keeps.
func now(clock clockwork.Clock) time.Time {
	return clock.Now().UTC().Truncate(time.Microsecond)
}
