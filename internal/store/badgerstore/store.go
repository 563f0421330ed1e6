// Package badgerstore is an embedded key-value persistence adapter.
//
// Key layout:
//
//	user:{id}                               user record
//	idx:username:{lowercase username}       user id
//	idx:email:{lowercase email}             user id
//	chat:{id}                               chat record
//	idx:participant:{userID}:{chatID}       empty, participant index
//	msg:{chatID}:{unixnano, 19 digits}:{seq, 20 digits}  message record
//
// The zero padded timestamp and insertion sequence make a prefix scan of a
// chat's messages come back in timestamp order with ties in arrival order.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/pliu/chatsync/internal/errs"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
)

type Store struct {
	db  *badger.DB
	log *slog.Logger
	seq *badger.Sequence
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) a badger database at path. An empty path keeps
// everything in memory.
func Open(path string, log *slog.Logger) (*Store, error) {
	options := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		options = options.WithInMemory(true)
	}
	db, err := badger.Open(options)
	if err != nil {
		return nil, errs.Unavailable("open badger", err)
	}
	s, err := New(db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database. Close releases the database too.
func New(db *badger.DB, log *slog.Logger) (*Store, error) {
	seq, err := db.GetSequence([]byte("seq:msg"), 128)
	if err != nil {
		return nil, errs.Unavailable("message sequence", err)
	}
	return &Store{db: db, log: log, seq: seq}, nil
}

func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.log.Warn("Releasing message sequence failed", "error", err)
	}
	return s.db.Close()
}

func userKey(id string) []byte           { return []byte("user:" + id) }
func usernameKey(username string) []byte { return []byte("idx:username:" + strings.ToLower(username)) }
func emailKey(email string) []byte       { return []byte("idx:email:" + strings.ToLower(email)) }
func chatKey(id string) []byte           { return []byte("chat:" + id) }
func participantPrefix(userID string) []byte {
	return []byte("idx:participant:" + userID + ":")
}
func participantKey(userID, chatID string) []byte {
	return append(participantPrefix(userID), chatID...)
}
func messagePrefix(chatID string) []byte { return []byte("msg:" + chatID + ":") }
func messageKey(chatID string, at time.Time, seq uint64) []byte {
	return fmt.Appendf(messagePrefix(chatID), "%019d:%020d", at.UnixNano(), seq)
}

// classify maps badger errors onto the errs taxonomy.
func classify(op, kind, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return errs.NotFound(kind, id)
	}
	return errs.Unavailable(op, err)
}

func getValue(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(value []byte) error {
		return unmarshal(value, v)
	})
}

func setValue(txn *badger.Txn, key []byte, v any) error {
	data, err := marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) CreateUser(_ context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range [][]byte{userKey(user.ID), usernameKey(user.Username), emailKey(user.Email)} {
			taken, err := exists(txn, key)
			if err != nil {
				return err
			}
			if taken {
				return errs.Conflict("user", user.Username)
			}
		}
		if err := setValue(txn, userKey(user.ID), user); err != nil {
			return err
		}
		if err := txn.Set(usernameKey(user.Username), []byte(user.ID)); err != nil {
			return err
		}
		return txn.Set(emailKey(user.Email), []byte(user.ID))
	})
	return classify("create user", "user", user.Username, err)
}

func (s *Store) GetUser(_ context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.db.View(func(txn *badger.Txn) error {
		return getValue(txn, userKey(id), &user)
	})
	if err != nil {
		return nil, classify("get user", "user", id, err)
	}
	return &user, nil
}

func (s *Store) GetUserByLogin(_ context.Context, login string) (*models.User, error) {
	var user models.User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(usernameKey(login))
		if errors.Is(err, badger.ErrKeyNotFound) {
			item, err = txn.Get(emailKey(login))
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getValue(txn, userKey(string(id)), &user)
	})
	if err != nil {
		return nil, classify("get user by login", "user", login, err)
	}
	return &user, nil
}

func (s *Store) SearchUsers(_ context.Context, filter store.UserFilter) ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("user:")
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var user models.User
			if err := it.Item().Value(func(value []byte) error { return unmarshal(value, &user) }); err != nil {
				return err
			}
			if store.MatchUser(user, filter) {
				users = append(users, user)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("search users", "user", filter.Term, err)
	}
	slices.SortFunc(users, func(a, b models.User) int { return strings.Compare(a.Username, b.Username) })
	if filter.Limit > 0 && len(users) > filter.Limit {
		users = users[:filter.Limit]
	}
	return users, nil
}

func (s *Store) UpdateUser(_ context.Context, id string, patch models.UserPatch) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var user models.User
		if err := getValue(txn, userKey(id), &user); err != nil {
			return err
		}
		if patch.DisplayName != nil {
			user.DisplayName = *patch.DisplayName
		}
		if patch.Email != nil && !strings.EqualFold(*patch.Email, user.Email) {
			taken, err := exists(txn, emailKey(*patch.Email))
			if err != nil {
				return err
			}
			if taken {
				return errs.Conflict("email", *patch.Email)
			}
			if err := txn.Delete(emailKey(user.Email)); err != nil {
				return err
			}
			if err := txn.Set(emailKey(*patch.Email), []byte(user.ID)); err != nil {
				return err
			}
		}
		if patch.Email != nil {
			user.Email = *patch.Email
		}
		return setValue(txn, userKey(id), &user)
	})
	return classify("update user", "user", id, err)
}

func (s *Store) CreateChat(_ context.Context, chat *models.Chat) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		taken, err := exists(txn, chatKey(chat.ID))
		if err != nil {
			return err
		}
		if taken {
			return errs.Conflict("chat", chat.ID)
		}
		if err := setValue(txn, chatKey(chat.ID), chat); err != nil {
			return err
		}
		for _, userID := range chat.Participants {
			if err := txn.Set(participantKey(userID, chat.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
	return classify("create chat", "chat", chat.ID, err)
}

func (s *Store) GetChat(_ context.Context, id string) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.View(func(txn *badger.Txn) error {
		return getValue(txn, chatKey(id), &chat)
	})
	if err != nil {
		return nil, classify("get chat", "chat", id, err)
	}
	return &chat, nil
}

func (s *Store) QueryChats(_ context.Context, filter store.ChatFilter) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := participantPrefix(filter.Participant)
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		var ids []string
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		for _, id := range ids {
			var chat models.Chat
			err := getValue(txn, chatKey(id), &chat)
			if errors.Is(err, badger.ErrKeyNotFound) {
				s.log.Warn("Dangling participant index", "chat", id, "user", filter.Participant)
				continue
			}
			if err != nil {
				return err
			}
			chats = append(chats, chat)
		}
		return nil
	})
	if err != nil {
		return nil, classify("query chats", "user", filter.Participant, err)
	}
	return store.NewestChats(chats, filter.Limit), nil
}

func (s *Store) UpdateChat(_ context.Context, id string, patch models.ChatPatch) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var chat models.Chat
		if err := getValue(txn, chatKey(id), &chat); err != nil {
			return err
		}
		chat.LastMessage = patch.LastMessage
		chat.LastMessageTime = patch.LastMessageTime
		return setValue(txn, chatKey(id), &chat)
	})
	return classify("update chat", "chat", id, err)
}

// DeleteChat removes the chat, its participant index and any message
// still stored under it in one transaction.
func (s *Store) DeleteChat(_ context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var chat models.Chat
		if err := getValue(txn, chatKey(id), &chat); err != nil {
			return err
		}
		keys, err := keysWithPrefix(txn, messagePrefix(id))
		if err != nil {
			return err
		}
		for _, userID := range chat.Participants {
			keys = append(keys, participantKey(userID, id))
		}
		keys = append(keys, chatKey(id))
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	return classify("delete chat", "chat", id, err)
}

func keysWithPrefix(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	options := badger.DefaultIteratorOptions
	options.PrefetchValues = false
	it := txn.NewIterator(options)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

func (s *Store) CreateMessage(_ context.Context, message *models.Message) error {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.Timestamp == nil {
		now := time.Now().UTC()
		message.Timestamp = &now
	}
	if message.MessageType == "" {
		message.MessageType = models.MessageTypeText
	}
	seq, err := s.seq.Next()
	if err != nil {
		return errs.Unavailable("message sequence", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return setValue(txn, messageKey(message.ChatID, *message.Timestamp, seq), message)
	})
	return classify("create message", "message", message.ID, err)
}

// QueryMessages scans the chat's messages newest first, keeps filter.Limit
// of them and returns them in ascending order.
func (s *Store) QueryMessages(_ context.Context, filter store.MessageFilter) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(filter.ChatID)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		// '~' sorts after every digit, so the seek lands on the newest key.
		for it.Seek(append(slices.Clone(prefix), '~')); it.ValidForPrefix(prefix); it.Next() {
			if filter.Limit > 0 && len(messages) == filter.Limit {
				s.log.Debug("Message limit reached", "chat", filter.ChatID, "limit", filter.Limit)
				break
			}
			var message models.Message
			if err := it.Item().Value(func(value []byte) error { return unmarshal(value, &message) }); err != nil {
				return err
			}
			messages = append(messages, message)
		}
		return nil
	})
	if err != nil {
		return nil, classify("query messages", "chat", filter.ChatID, err)
	}
	slices.Reverse(messages)
	return messages, nil
}

func (s *Store) DeleteMessages(_ context.Context, chatID string) (int, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		keys, err = keysWithPrefix(txn, messagePrefix(chatID))
		return err
	})
	if err != nil {
		return 0, classify("delete messages", "chat", chatID, err)
	}

	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return 0, errs.Unavailable("delete messages", err)
		}
	}
	if err := batch.Flush(); err != nil {
		return 0, errs.Unavailable("delete messages", err)
	}
	s.log.Debug("Messages deleted", "chat", chatID, "count", len(keys))
	return len(keys), nil
}
