package gql

import (
	"context"
	"net/http"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"

	"ebooklib/internal/util"
)

type tokenContextKey struct{}

// ContextWithToken carries the caller's bearer token to resolvers.
func ContextWithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey{}).(string)
	return token
}

// Handler serves the schema over HTTP POST and forwards the bearer token.
func Handler(schema *graphql.Schema) http.Handler {
	relayHandler := &relay.Handler{Schema: schema}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		token, _ := util.BearerToken(r)
		relayHandler.ServeHTTP(w, r.WithContext(ContextWithToken(r.Context(), token)))
	})
}
