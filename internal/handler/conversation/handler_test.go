package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sparkcoach/backend/internal/model/chat"
	"github.com/sparkcoach/backend/internal/service/ai"
	conversationService "github.com/sparkcoach/backend/internal/service/conversation"
	syncsvc "github.com/sparkcoach/backend/internal/service/sync"
	"github.com/sparkcoach/backend/internal/store"
)

// scriptedReplies answers every coaching instruction with a fixed question
// and every proposal instruction with a marked suggestion.
type scriptedReplies struct{}

func (scriptedReplies) GenerateReply(_ context.Context, instruction string, _ []chat.Turn, _ string) (string, error) {
	if instruction == ai.InstructionProposal {
		return "[GOAL] Here's a goal for you: take a ten minute walk after lunch.", nil
	}
	return "What feels like the hardest part?", nil
}

type scriptedDetailer struct{}

func (scriptedDetailer) DetailGoal(context.Context, []chat.Turn) (ai.GoalDetail, error) {
	return ai.GoalDetail{
		Description:     "Take a ten minute walk after lunch",
		Difficulty:      "easy",
		Timeframe:       "24h",
		ExperienceValue: 25,
		Motivation:      6,
	}, nil
}

func setupRouter(t *testing.T) (*chi.Mux, *conversationService.Service, store.Store, *syncsvc.Manager) {
	t.Helper()
	st := store.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	convSvc := conversationService.NewService(st, scriptedReplies{}, scriptedDetailer{}, zerolog.Nop())
	syncs := syncsvc.NewManager(ctx, st, syncsvc.Options{Interval: time.Hour}, zerolog.Nop())
	handler := New(convSvc, st, nil, syncs, zerolog.Nop())

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, convSvc, st, syncs
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func createConversation(t *testing.T, r http.Handler) string {
	t.Helper()
	resp := doJSON(t, r, http.MethodPost, "/conversations", map[string]string{"accountId": "acct-1"})
	require.Equal(t, http.StatusCreated, resp.Code)

	var out struct {
		Conversation chat.Conversation `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.NotEmpty(t, out.Conversation.ID)
	return out.Conversation.ID
}

func TestCreateConversation(t *testing.T) {
	r, _, _, _ := setupRouter(t)
	resp := doJSON(t, r, http.MethodPost, "/conversations", map[string]string{"accountId": "acct-1"})
	require.Equal(t, http.StatusCreated, resp.Code)

	var out struct {
		Result struct {
			Phase string `json:"phase"`
			Turns []chat.Turn
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, "COACHING_Q1", out.Result.Phase)
}

func TestCreateConversationMissingAccountID(t *testing.T) {
	r, _, _, _ := setupRouter(t)
	resp := doJSON(t, r, http.MethodPost, "/conversations", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestListConversationsRequiresAccountID(t *testing.T) {
	r, _, _, _ := setupRouter(t)
	resp := doJSON(t, r, http.MethodGet, "/conversations", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestListConversations(t *testing.T) {
	r, _, _, _ := setupRouter(t)
	createConversation(t, r)

	resp := doJSON(t, r, http.MethodGet, "/conversations?accountId=acct-1", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var out struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Len(t, out.Conversations, 1)
}

func TestLoadMissingConversation(t *testing.T) {
	r, _, _, _ := setupRouter(t)
	resp := doJSON(t, r, http.MethodGet, "/conversations/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestMessageMissingConversation(t *testing.T) {
	r, _, _, _ := setupRouter(t)
	resp := doJSON(t, r, http.MethodPost, "/conversations/nope/messages", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func sendMessages(t *testing.T, r http.Handler, convID string, texts ...string) *httptest.ResponseRecorder {
	t.Helper()
	var resp *httptest.ResponseRecorder
	for _, text := range texts {
		resp = doJSON(t, r, http.MethodPost,
			fmt.Sprintf("/conversations/%s/messages", convID),
			map[string]string{"text": text})
	}
	return resp
}

func TestMessageWhileGoalPendingConflicts(t *testing.T) {
	r, _, _, _ := setupRouter(t)
	convID := createConversation(t, r)

	resp := sendMessages(t, r, convID, "exercise more", "too tired after work", "mornings suit me")
	require.Equal(t, http.StatusOK, resp.Code)

	var out struct {
		Phase   string `json:"phase"`
		Pending *struct {
			Description string `json:"description"`
		} `json:"pendingGoal"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.Equal(t, "AWAITING_GOAL_RESPONSE", out.Phase)
	require.NotNil(t, out.Pending)

	resp = sendMessages(t, r, convID, "another thought")
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestLoadSurfacesPendingGoalAfterRestart(t *testing.T) {
	r, _, st, _ := setupRouter(t)
	convID := createConversation(t, r)
	sendMessages(t, r, convID, "exercise more", "too tired after work", "mornings suit me")

	// A second process over the same store starts with an empty proposal
	// registry; the load response must still carry the pending goal.
	svc2 := conversationService.NewService(st, scriptedReplies{}, scriptedDetailer{}, zerolog.Nop())
	h2 := New(svc2, st, nil, nil, zerolog.Nop())
	r2 := chi.NewRouter()
	h2.RegisterRoutes(r2)

	resp := doJSON(t, r2, http.MethodGet, "/conversations/"+convID, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var out struct {
		Phase   string `json:"phase"`
		Pending *struct {
			Description string `json:"description"`
		} `json:"pendingGoal"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.Equal(t, "AWAITING_GOAL_RESPONSE", out.Phase)
	require.NotNil(t, out.Pending)
	assert.NotEmpty(t, out.Pending.Description)
}

func TestGoalResponseWithoutPendingConflicts(t *testing.T) {
	r, _, _, _ := setupRouter(t)
	convID := createConversation(t, r)

	resp := doJSON(t, r, http.MethodPost,
		fmt.Sprintf("/conversations/%s/goal-response", convID),
		map[string]string{"text": "yes"})
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestGoalResponseAcceptPersistsGoal(t *testing.T) {
	r, _, st, syncs := setupRouter(t)
	convID := createConversation(t, r)
	sendMessages(t, r, convID, "exercise more", "too tired after work", "mornings suit me")

	resp := doJSON(t, r, http.MethodPost,
		fmt.Sprintf("/conversations/%s/goal-response", convID),
		map[string]string{"text": "yes, let's do it"})
	require.Equal(t, http.StatusOK, resp.Code)

	var out struct {
		Accepted bool `json:"accepted"`
		Goal     *struct {
			ID string `json:"id"`
		} `json:"goal"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	require.True(t, out.Accepted)
	require.NotNil(t, out.Goal)

	goals, err := st.Goals().List(context.Background(), "acct-1", false)
	require.NoError(t, err)
	assert.Len(t, goals, 1)

	// The account's projection sees the acceptance without waiting a poll.
	_, projected := syncs.ForAccount("acct-1").Snapshot()
	require.Len(t, projected, 1)
	assert.Equal(t, out.Goal.ID, projected[0].ID)
}

func TestGoalResponseDeclinePersistsNothing(t *testing.T) {
	r, _, st, _ := setupRouter(t)
	convID := createConversation(t, r)
	sendMessages(t, r, convID, "exercise more", "too tired after work", "mornings suit me")

	resp := doJSON(t, r, http.MethodPost,
		fmt.Sprintf("/conversations/%s/goal-response", convID),
		map[string]string{"text": "no thanks"})
	require.Equal(t, http.StatusOK, resp.Code)

	var out struct {
		Accepted bool `json:"accepted"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
	assert.False(t, out.Accepted)

	goals, err := st.Goals().List(context.Background(), "acct-1", true)
	require.NoError(t, err)
	assert.Empty(t, goals)
}
