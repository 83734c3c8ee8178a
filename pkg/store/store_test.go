package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/dupahar-chat/pkg/changefeed"
	"github.com/mahaj/dupahar-chat/pkg/model"
)

func TestValidateNewConversation(t *testing.T) {
	alice := Member{UserID: "alice"}
	bob := Member{UserID: "bob"}

	tests := []struct {
		name    string
		req     NewConversation
		want    []string
		wantErr error
	}{
		{"direct", NewConversation{Kind: model.KindDirect, Creator: alice, Members: []Member{bob}}, []string{"alice", "bob"}, nil},
		{"direct with creator repeated", NewConversation{Kind: model.KindDirect, Creator: alice, Members: []Member{alice, bob}}, []string{"alice", "bob"}, nil},
		{"direct with self only", NewConversation{Kind: model.KindDirect, Creator: alice, Members: []Member{alice}}, nil, ErrInvalidMembers},
		{"direct with three", NewConversation{Kind: model.KindDirect, Creator: alice, Members: []Member{bob, {UserID: "carol"}}}, nil, ErrInvalidMembers},
		{"group alone", NewConversation{Kind: model.KindGroup, Creator: alice}, []string{"alice"}, nil},
		{"no creator", NewConversation{Kind: model.KindGroup, Members: []Member{bob}}, nil, ErrInvalidMembers},
		{"bad kind", NewConversation{Kind: "PRIVATE", Creator: alice}, nil, ErrInvalidKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			members, err := ValidateNewConversation(tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			var ids []string
			for _, m := range members {
				ids = append(ids, m.UserID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestDedupeMembers(t *testing.T) {
	out := DedupeMembers([]Member{{UserID: " bob "}, {UserID: ""}, {UserID: "bob", DisplayName: "Later"}, {UserID: "carol"}})
	assert.Equal(t, []Member{{UserID: "bob"}, {UserID: "carol"}}, out)
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Publish(ctx context.Context, changes ...changefeed.Change) error {
	p.calls++
	return errors.New("broker down")
}

func TestFeedEmit(t *testing.T) {
	var nilFeed *Feed
	assert.NotPanics(t, func() { nilFeed.Emit(context.Background(), "t", 1, nil, "", time.Now()) })

	pub := &failingPublisher{}
	f := NewFeed(pub, zerolog.Nop())
	assert.NotPanics(t, func() { f.Emit(context.Background(), model.TableMessages, model.Message{ID: "1"}, nil, "a", time.Now()) })
	assert.Equal(t, 1, pub.calls)

	// An unencodable record never reaches the publisher.
	f.Emit(context.Background(), model.TableMessages, func() {}, nil, "a", time.Now())
	assert.Equal(t, 1, pub.calls)
}
