package schemas

// -- Session Schemas --

// CookieSameSite defines the SameSite attribute for cookies.
type CookieSameSite string

const (
	CookieSameSiteStrict CookieSameSite = "Strict"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteNone   CookieSameSite = "None"
)

// Cookie represents a browser cookie in the storage-state exchange format.
type Cookie struct {
	Name     string         `json:"name"`
	Value    string         `json:"value"`
	Domain   string         `json:"domain"`
	Path     string         `json:"path"`
	Expires  float64        `json:"expires"` // Unix seconds; zero or negative means a session cookie.
	HTTPOnly bool           `json:"httpOnly"`
	Secure   bool           `json:"secure"`
	SameSite CookieSameSite `json:"sameSite"`
}

// StorageState is a session snapshot carried between browser fetches. It is
// opaque to everything except the browser driver that applies it.
type StorageState struct {
	Cookies      []Cookie          `json:"cookies"`
	Origin       string            `json:"origin,omitempty"`
	LocalStorage map[string]string `json:"localStorage,omitempty"`
}

// Empty reports whether the state carries nothing worth restoring.
func (s *StorageState) Empty() bool {
	return s == nil || (len(s.Cookies) == 0 && len(s.LocalStorage) == 0)
}

// Clone returns a deep copy.
func (s *StorageState) Clone() *StorageState {
	if s == nil {
		return nil
	}
	out := &StorageState{Origin: s.Origin}
	if s.Cookies != nil {
		out.Cookies = append([]Cookie(nil), s.Cookies...)
	}
	if s.LocalStorage != nil {
		out.LocalStorage = make(map[string]string, len(s.LocalStorage))
		for k, v := range s.LocalStorage {
			out.LocalStorage[k] = v
		}
	}
	return out
}
