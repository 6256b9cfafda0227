package marzban

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, NewClient(srv.URL, "sudo", "sudopw", 5*time.Second)
}

func tokenResponse(w http.ResponseWriter, token string) {
	json.NewEncoder(w).Encode(map[string]string{"access_token": token})
}

func TestAuthenticateSuccess(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/admin/token", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "sudo", r.PostForm.Get("username"))
		assert.Equal(t, "sudopw", r.PostForm.Get("password"))
		tokenResponse(w, "tok-1")
	})

	require.NoError(t, client.Authenticate(context.Background()))
	assert.Equal(t, "tok-1", client.token)

	// Subsequent calls reuse the token without another round trip
	require.NoError(t, client.Authenticate(context.Background()))
}

func TestAuthenticateRejectedCredentials(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity} {
		_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		})

		err := client.Authenticate(context.Background())
		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr, "HTTP %d", code)
		assert.Equal(t, "sudo", authErr.Username)
	}
}

func TestAuthenticateServerError(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	err := client.Authenticate(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestListSubEntitiesScopesByAdmin(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/admin/token":
			tokenResponse(w, "tok")
		case "/api/users":
			assert.Equal(t, "panel1", r.URL.Query().Get("admin"))
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(map[string]interface{}{
				"users": []map[string]interface{}{
					{"username": "u1", "status": "active", "used_traffic": 100, "lifetime_used_traffic": 40},
					{"username": "u2", "status": "disabled"},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	users, err := client.ListSubEntities(context.Background(), "panel1")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].Username)
	assert.Equal(t, int64(140), users[0].TotalUsage())
	assert.Equal(t, StatusDisabled, users[1].Status)
}

func TestDoJSONReauthenticatesOnceOnStaleToken(t *testing.T) {
	tokens := 0
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/admin/token":
			tokens++
			tokenResponse(w, "tok-fresh")
		case "/api/users":
			if r.Header.Get("Authorization") != "Bearer tok-fresh" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"users": []interface{}{}})
		}
	})

	client.token = "tok-stale"
	_, err := client.ListSubEntities(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, tokens)
}

func TestRotateAdminSecret(t *testing.T) {
	var got map[string]interface{}
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/admin/token":
			tokenResponse(w, "tok")
		case "/api/admin/panel1":
			require.Equal(t, http.MethodPut, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Write([]byte("{}"))
		}
	})

	require.NoError(t, client.RotateAdminSecret(context.Background(), "panel1", "ce8fb29b0e", false))
	assert.Equal(t, "ce8fb29b0e", got["password"])
	assert.Equal(t, false, got["is_sudo"])
}

func TestSetSubEntityStatus(t *testing.T) {
	var got map[string]string
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/admin/token":
			tokenResponse(w, "tok")
		case "/api/user/u1":
			require.Equal(t, http.MethodPut, r.Method)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.Write([]byte("{}"))
		}
	})

	require.NoError(t, client.SetSubEntityStatus(context.Background(), "u1", StatusDisabled))
	assert.Equal(t, map[string]string{"status": StatusDisabled}, got)
}

func TestGetSubEntity(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/admin/token":
			tokenResponse(w, "tok")
		case "/api/user/u1":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"username": "u1", "status": "limited", "admin": "panel1",
				"used_traffic": 500, "lifetime_used_traffic": 250,
			})
		}
	})

	ent, err := client.GetSubEntity(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusLimited, ent.Status)
	assert.Equal(t, "panel1", ent.Admin.Username)
	assert.Equal(t, int64(750), ent.TotalUsage())
}

// The panel reports the owning admin either as a bare username or as an
// object, depending on version
func TestSubEntityAdminDecodesBothShapes(t *testing.T) {
	var ent SubEntity
	require.NoError(t, json.Unmarshal([]byte(`{"username":"u1","admin":"panel1"}`), &ent))
	assert.Equal(t, "panel1", ent.Admin.Username)

	ent = SubEntity{}
	require.NoError(t, json.Unmarshal([]byte(`{"username":"u1","admin":{"username":"panel2"}}`), &ent))
	assert.Equal(t, "panel2", ent.Admin.Username)

	ent = SubEntity{}
	require.NoError(t, json.Unmarshal([]byte(`{"username":"u1","admin":null}`), &ent))
	assert.Empty(t, ent.Admin.Username)
}

func TestRemoveSubEntityErrorCarriesStatus(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/admin/token":
			tokenResponse(w, "tok")
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	err := client.RemoveSubEntity(context.Background(), "ghost")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestForAccountSharesTransportNotToken(t *testing.T) {
	_, client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		tokenResponse(w, "tok-sudo")
	})
	client.token = "tok-sudo"

	derived := client.ForAccount("panel1", "panelpw")
	assert.Equal(t, client.http, derived.http)
	assert.Empty(t, derived.token)
	assert.Equal(t, "panel1", derived.username)
}
