package model

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPostValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		post Post
		want error
	}{
		{name: "ok", post: Post{Target: "t1", Content: "hello"}},
		{name: "missing target", post: Post{Content: "hello"}, want: ErrPostTarget},
		{name: "blank target", post: Post{Target: "  ", Content: "hello"}, want: ErrPostTarget},
		{name: "missing content", post: Post{Target: "t1"}, want: ErrPostContent},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.post.Validate()
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestPostNormalizeAssignsID(t *testing.T) {
	t.Parallel()
	p := Post{Target: " group-1 ", Content: "x"}.Normalize()
	require.True(t, strings.HasPrefix(p.ID, "post-"))
	require.Equal(t, "group-1", p.Target)
	require.Equal(t, "group-1", p.DisplayName)

	kept := Post{ID: "p1", Target: "t", Content: "x", DisplayName: "Group"}.Normalize()
	require.Equal(t, "p1", kept.ID)
	require.Equal(t, "Group", kept.DisplayName)
}

func TestAccountValidate(t *testing.T) {
	t.Parallel()
	require.ErrorIs(t, Account{}.Validate(), ErrAccountID)
	require.ErrorIs(t, Account{ID: "a", DailyPostCap: -1}.Validate(), ErrAccountCapNeg)
	require.NoError(t, Account{ID: "a"}.Validate())

	a := Account{ID: " a1 "}.Normalize()
	require.Equal(t, "a1", a.Name)
	require.Equal(t, "a1", a.Label())
}
