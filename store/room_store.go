package store

import (
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis"
	"github.com/go-xorm/xorm"
)

// UserRecord 持久化的用户状态
type UserRecord struct {
	ID         int
	Privileges uint64
	Info       map[string]Value
}

// RoomState is the persisted state of one room: the room's own
// attribute bag plus the privileges and attributes of its known users.
type RoomState struct {
	Info  map[string]Value
	Users []UserRecord
}

// RoomStore 定义了房间状态的读写接口
type RoomStore interface {
	LoadState(key string) (*RoomState, error)
	SaveState(key string, state *RoomState) error
}

// roomInfo 房间属性表
type roomInfo struct {
	ID      int64
	RoomKey string `xorm:"unique"`
	Info    string `xorm:"text"`
}

// roomUser 房间用户表
type roomUser struct {
	ID         int64
	RoomKey    string `xorm:"index"`
	UserID     int
	Privileges uint64
	Info       string `xorm:"text"`
}

// DbRoomStore persists room state through the Store's engine.
type DbRoomStore struct {
	store *Store
}

// NewDbRoomStore creates a database-backed RoomStore.
func NewDbRoomStore(store *Store) *DbRoomStore {
	return &DbRoomStore{store: store}
}

// LoadState loads the state saved for a room key. A key that was
// never saved yields an empty state.
func (s *DbRoomStore) LoadState(key string) (*RoomState, error) {
	state := &RoomState{Info: map[string]Value{}}

	var info roomInfo
	found, err := s.store.engine.Where("room_key = ?", key).Get(&info)
	if err != nil {
		return nil, err
	}
	if found && info.Info != "" {
		if err := json.Unmarshal([]byte(info.Info), &state.Info); err != nil {
			return nil, err
		}
	}

	var users []roomUser
	if err := s.store.engine.Where("room_key = ?", key).Find(&users); err != nil {
		return nil, err
	}
	for _, u := range users {
		record := UserRecord{ID: u.UserID, Privileges: u.Privileges, Info: map[string]Value{}}
		if u.Info != "" {
			if err := json.Unmarshal([]byte(u.Info), &record.Info); err != nil {
				return nil, err
			}
		}
		state.Users = append(state.Users, record)
	}
	return state, nil
}

// SaveState replaces the state saved for a room key.
func (s *DbRoomStore) SaveState(key string, state *RoomState) error {
	infoJSON, err := json.Marshal(state.Info)
	if err != nil {
		return err
	}

	return s.store.Tx(func(sess *xorm.Session) error {
		if _, err := sess.Where("room_key = ?", key).Delete(new(roomInfo)); err != nil {
			return err
		}
		if _, err := sess.Where("room_key = ?", key).Delete(new(roomUser)); err != nil {
			return err
		}

		if _, err := sess.Insert(&roomInfo{RoomKey: key, Info: string(infoJSON)}); err != nil {
			return err
		}
		for _, u := range state.Users {
			userJSON, err := json.Marshal(u.Info)
			if err != nil {
				return err
			}
			row := &roomUser{RoomKey: key, UserID: u.ID, Privileges: u.Privileges, Info: string(userJSON)}
			if _, err := sess.Insert(row); err != nil {
				return err
			}
		}
		return nil
	})
}

const roomRedisPattern = "ROOM_%s"

// RedisRoomStore persists room state as a JSON blob in redis.
type RedisRoomStore struct {
	client *redis.Client
}

// NewRedisRoomStore creates a redis-backed RoomStore.
func NewRedisRoomStore(client *redis.Client) *RedisRoomStore {
	return &RedisRoomStore{client: client}
}

type redisRoomState struct {
	Info  map[string]Value `json:"info"`
	Users []UserRecord     `json:"users"`
}

// LoadState loads the state saved for a room key.
func (s *RedisRoomStore) LoadState(key string) (*RoomState, error) {
	str, err := s.client.Get(fmt.Sprintf(roomRedisPattern, key)).Result()
	if err == redis.Nil {
		return &RoomState{Info: map[string]Value{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var blob redisRoomState
	if err := json.Unmarshal([]byte(str), &blob); err != nil {
		return nil, err
	}
	state := &RoomState{Info: blob.Info, Users: blob.Users}
	if state.Info == nil {
		state.Info = map[string]Value{}
	}
	return state, nil
}

// SaveState replaces the state saved for a room key.
func (s *RedisRoomStore) SaveState(key string, state *RoomState) error {
	blob, err := json.Marshal(redisRoomState{Info: state.Info, Users: state.Users})
	if err != nil {
		return err
	}
	return s.client.Set(fmt.Sprintf(roomRedisPattern, key), blob, 0).Err()
}
