package room

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gosechat/store"
)

// Privilege is a bitset of custom privileges a user may hold. New
// privileges are defined by registering a name for a single bit.
type Privilege uint64

// PrivilegeOwner marks owners of the bot.
const PrivilegeOwner Privilege = 1 << 0

var (
	privilegeMu    sync.Mutex
	privilegeNames = map[Privilege]string{PrivilegeOwner: "owner"}
)

// RegisterPrivilege names a privilege bit. The privilege must contain
// exactly one bit.
func RegisterPrivilege(name string, privilege Privilege) {
	if privilege == 0 || privilege&(privilege-1) != 0 {
		panic("privilege must contain exactly one privilege")
	}
	privilegeMu.Lock()
	privilegeNames[privilege] = name
	privilegeMu.Unlock()
}

// Names returns the names of the privileges in the set, low bits
// first.
func (p Privilege) Names() []string {
	privilegeMu.Lock()
	defer privilegeMu.Unlock()

	var names []string
	for bit := Privilege(1); bit != 0 && bit <= p; bit <<= 1 {
		if p&bit == 0 {
			continue
		}
		if name, ok := privilegeNames[bit]; ok {
			names = append(names, name)
		} else {
			names = append(names, "<unnamed privilege>")
		}
	}
	return names
}

// User 聊天用户。Name/IsMod/IsRO are hydrated lazily: the first read
// of an unresolved field blocks on a batched lookup round-trip.
type User struct {
	// ID is the user's numeric id. Identity of a user.
	ID int

	// Privileges is the custom privilege bitset.
	Privileges Privilege
	// Info is the free-form persisted attribute bag.
	Info map[string]store.Value

	room     *Room
	name     string
	isMod    bool
	isRO     bool
	resolved bool
}

func (u *User) String() string {
	return u.Name()
}

// Name returns the user's name, resolving it if necessary.
func (u *User) Name() string {
	u.room.resolveUser(u)
	u.room.usersMu.Lock()
	defer u.room.usersMu.Unlock()
	if u.name == "" {
		return fmt.Sprintf("<unknown user %d>", u.ID)
	}
	return u.name
}

// IsMod reports whether the user is a moderator.
func (u *User) IsMod() bool {
	u.room.resolveUser(u)
	u.room.usersMu.Lock()
	defer u.room.usersMu.Unlock()
	return u.isMod
}

// IsRO reports whether the user is an owner of the room.
func (u *User) IsRO() bool {
	u.room.resolveUser(u)
	u.room.usersMu.Lock()
	defer u.room.usersMu.Unlock()
	return u.isRO
}

// special reports whether the user implicitly holds all privileges:
// moderators, room owners, and the console user.
func (u *User) special() bool {
	return u.ID == 0 || u.IsMod() || u.IsRO()
}

// HasPrivileges reports whether the user satisfies the required set.
func (u *User) HasPrivileges(required Privilege) bool {
	return u.special() || u.privileges()&required == required
}

// MissingPrivileges returns the required privileges the user does not
// hold.
func (u *User) MissingPrivileges(required Privilege) Privilege {
	if u.special() {
		return 0
	}
	return required &^ u.privileges()
}

// privileges reads the granted set under the registry lock; LoadState
// rewrites it concurrently.
func (u *User) privileges() Privilege {
	u.room.usersMu.Lock()
	defer u.room.usersMu.Unlock()
	return u.Privileges
}

// UserWithID looks up a user by id, adding an unresolved entry to the
// registry if the id is new. The registry never holds two users with
// the same id.
func (r *Room) UserWithID(id int) *User {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	return r.userWithIDLocked(id)
}

func (r *Room) userWithIDLocked(id int) *User {
	for _, u := range r.users {
		if u.ID == id {
			return u
		}
	}
	u := &User{ID: id, room: r, Info: map[string]store.Value{}}
	if id == 0 {
		u.name = "Console"
		u.resolved = true
	} else {
		r.pendingLookup.Add(id)
	}
	r.users = append(r.users, u)
	return u
}

// UserNamed returns the known users with the given name.
func (r *Room) UserNamed(name string) []*User {
	r.usersMu.Lock()
	snapshot := make([]*User, len(r.users))
	copy(snapshot, r.users)
	r.usersMu.Unlock()

	var users []*User
	for _, u := range snapshot {
		if u.Name() == name {
			users = append(users, u)
		}
	}
	return users
}

// Users returns a snapshot of the user registry.
func (r *Room) Users() []*User {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	users := make([]*User, len(r.users))
	copy(users, r.users)
	return users
}

// resolveUser blocks until the user's fields are resolved. Concurrent
// callers share one in-flight lookup instead of each triggering their
// own.
func (r *Room) resolveUser(u *User) {
	r.usersMu.Lock()
	defer r.usersMu.Unlock()

	if u.resolved {
		return
	}
	r.pendingLookup.Add(u.ID)

	for !u.resolved {
		if r.lookupInFlight {
			r.lookupDone.Wait()
			continue
		}
		r.lookupLocked()
	}
}

// lookupLocked performs one batched lookup round-trip for every
// pending user id. Called with usersMu held; the lock is released
// around the HTTP call.
func (r *Room) lookupLocked() {
	r.lookupInFlight = true
	ids := make([]string, 0, r.pendingLookup.Cardinality())
	for id := range r.pendingLookup.Iter() {
		ids = append(ids, strconv.Itoa(id.(int)))
	}
	r.pendingLookup.Clear()
	r.usersMu.Unlock()

	results, err := r.fetchUserInfo(ids)

	r.usersMu.Lock()
	if err != nil {
		r.sup.HandleError(err, fmt.Sprintf("while looking up %d users", len(ids)))
	}
	for _, info := range results {
		u := r.userWithIDLocked(info.ID)
		u.name = info.Name
		u.isMod = info.IsMod
		u.isRO = info.IsRO
		u.resolved = true
	}
	// ids the server did not return stay at their zero fields; mark
	// them resolved so readers do not retrigger lookups forever
	for _, idStr := range ids {
		id, _ := strconv.Atoi(idStr)
		r.userWithIDLocked(id).resolved = true
	}
	r.lookupInFlight = false
	r.lookupDone.Broadcast()
}

type userInfo struct {
	ID    int
	Name  string
	IsMod bool
	IsRO  bool
}

func (r *Room) fetchUserInfo(ids []string) ([]userInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	r.log.Infof("looking up %d users", len(ids))

	fields := map[string]string{
		"ids":    strings.Join(ids, ","),
		"roomID": strconv.Itoa(r.id),
	}

	var body string
	var status int
	var err error
	for {
		body, status, err = r.client.PostForm(r.chatURL("/user/info"), fields)
		if err != nil {
			return nil, err
		}
		if status != 400 {
			break
		}
	}

	var resp struct {
		Users []struct {
			ID          int             `json:"id"`
			Name        string          `json:"name"`
			IsModerator *bool           `json:"is_moderator"`
			IsOwner     json.RawMessage `json:"is_owner"`
		} `json:"users"`
	}
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("room: user lookup parsing failed: %w (json: %s)", err, body)
	}

	infos := make([]userInfo, 0, len(resp.Users))
	for _, u := range resp.Users {
		infos = append(infos, userInfo{
			ID:    u.ID,
			Name:  u.Name,
			IsMod: u.IsModerator != nil && *u.IsModerator,
			IsRO:  len(u.IsOwner) > 0 && string(u.IsOwner) != "null",
		})
	}
	return infos, nil
}

// StateKey identifies this room's persisted state.
func (r *Room) StateKey() string {
	return fmt.Sprintf("%d_%s", r.id, r.host.Domain())
}

// LoadState loads the room's attribute bag and per-user state from a
// RoomStore.
func (r *Room) LoadState(rs store.RoomStore) error {
	state, err := rs.LoadState(r.StateKey())
	if err != nil {
		return err
	}

	r.usersMu.Lock()
	defer r.usersMu.Unlock()
	if state.Info != nil {
		r.Info = state.Info
	}
	for _, rec := range state.Users {
		u := r.userWithIDLocked(rec.ID)
		u.Privileges = Privilege(rec.Privileges)
		if rec.Info != nil {
			u.Info = rec.Info
		}
	}
	return nil
}

// SaveState persists the room's attribute bag and per-user state to a
// RoomStore.
func (r *Room) SaveState(rs store.RoomStore) error {
	r.usersMu.Lock()
	state := &store.RoomState{Info: r.Info}
	for _, u := range r.users {
		state.Users = append(state.Users, store.UserRecord{
			ID:         u.ID,
			Privileges: uint64(u.Privileges),
			Info:       u.Info,
		})
	}
	r.usersMu.Unlock()

	sort.Slice(state.Users, func(i, j int) bool { return state.Users[i].ID < state.Users[j].ID })
	return rs.SaveState(r.StateKey(), state)
}
