package db

import (
	"context"
	"errors"
)

// EnsureUser находит пользователя по telegram id или создаёт его.
func (s *Store) EnsureUser(ctx context.Context, p Profile) (uint, error) {
	const op = "db.EnsureUser"
	if id, ok := s.users.Get(p.TelegramID); ok {
		return id, nil
	}
	u := User{
		TelegramID:   p.TelegramID,
		Username:     p.Username,
		FirstName:    p.FirstName,
		LastName:     p.LastName,
		RegisteredAt: p.SeenAt,
	}
	err := s.conn(ctx).Where(User{TelegramID: p.TelegramID}).FirstOrCreate(&u).Error
	if err != nil {
		err = classify(op, err)
		if !errors.Is(err, ErrDuplicate) {
			return 0, err
		}
		// параллельная регистрация того же пользователя
		existing, ferr := s.FindUserByTelegramID(ctx, p.TelegramID)
		if ferr != nil {
			return 0, ferr
		}
		u = *existing
	}
	if !s.inTx {
		s.users.Add(p.TelegramID, u.ID)
	}
	return u.ID, nil
}

func (s *Store) FindUserByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	const op = "db.FindUserByTelegramID"
	var u User
	if err := s.conn(ctx).Where("telegram_id = ?", telegramID).First(&u).Error; err != nil {
		return nil, classify(op, err)
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id uint) (*User, error) {
	const op = "db.GetUser"
	var u User
	if err := s.conn(ctx).First(&u, id).Error; err != nil {
		return nil, classify(op, err)
	}
	return &u, nil
}
