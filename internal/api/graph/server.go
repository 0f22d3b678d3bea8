package graph

import (
	"context"
	"net/http"
	"strings"
	"time"

	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/lvdashuaibi/littlewatch/internal/model"
)

// StatusReader 由 service.EarnService 实现
type StatusReader interface {
	GetStatus(ctx context.Context, userID string) (*model.Status, error)
}

// ViewerReader 由 service.ViewerService 实现
type ViewerReader interface {
	GetViewers(ctx context.Context, streamID string) (*model.ViewerCounterState, error)
}

// GraphQLServer 只读查询入口，挂载在 gin 路由上
type GraphQLServer struct {
	schema   *graphql.Schema
	handler  *relay.Handler
	resolver *Resolver
	path     string
}

const schemaString = `
type Reward {
  id: ID!
  type: String!
  amount: String!
  createdAt: String!
}

type TodayRewards {
  watchRewards: String!
  commentRewards: String!
  totalRewards: String!
  dailyLimit: String!
  remaining: String!
}

type UnclaimedRewards {
  count: Int!
  totalAmount: String!
  rewards: [Reward!]!
}

type WatchSession {
  sessionId: ID!
  streamId: String!
  startedAt: String!
  totalWatchTime: Int!
  attentionCheckPending: Boolean!
}

type EarnStatus {
  today: TodayRewards!
  unclaimed: UnclaimedRewards!
  activeSession: WatchSession
  resetInSeconds: Int!
}

type ViewerCount {
  streamId: String!
  viewerCount: Int!
  peakViewers: Int!
}

type Query {
  # 用户当日奖励与未领取奖励
  earnStatus(userAddress: String!): EarnStatus!

  # 直播间在线人数
  viewers(streamId: String!): ViewerCount!
}

schema {
  query: Query
}
`

func NewGraphQLServer(status StatusReader, viewers ViewerReader, path string) *GraphQLServer {
	resolver := &Resolver{status: status, viewers: viewers}

	schema := graphql.MustParseSchema(schemaString, resolver,
		graphql.MaxDepth(6),
	)

	return &GraphQLServer{
		schema:   schema,
		handler:  &relay.Handler{Schema: schema},
		resolver: resolver,
		path:     path,
	}
}

// Handler GraphQL API端点
func (s *GraphQLServer) Handler() http.Handler {
	return s.handler
}

// Playground 调试页面
func (s *GraphQLServer) Playground() http.Handler {
	page := strings.ReplaceAll(playgroundHTML, "{{endpoint}}", s.path)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})
}

type Resolver struct {
	status  StatusReader
	viewers ViewerReader
}

func (r *Resolver) EarnStatus(ctx context.Context, args struct{ UserAddress string }) (*EarnStatusResolver, error) {
	status, err := r.status.GetStatus(ctx, args.UserAddress)
	if err != nil {
		return nil, err
	}
	return &EarnStatusResolver{status: status}, nil
}

func (r *Resolver) Viewers(ctx context.Context, args struct{ StreamID string }) (*ViewerCountResolver, error) {
	state, err := r.viewers.GetViewers(ctx, args.StreamID)
	if err != nil {
		return nil, err
	}
	return &ViewerCountResolver{state: state}, nil
}

type EarnStatusResolver struct {
	status *model.Status
}

func (r *EarnStatusResolver) Today() *TodayResolver {
	return &TodayResolver{today: &r.status.Today}
}

func (r *EarnStatusResolver) Unclaimed() *UnclaimedResolver {
	return &UnclaimedResolver{unclaimed: &r.status.Unclaimed}
}

func (r *EarnStatusResolver) ActiveSession() *SessionResolver {
	if r.status.ActiveSession == nil {
		return nil
	}
	return &SessionResolver{session: r.status.ActiveSession}
}

func (r *EarnStatusResolver) ResetInSeconds() int32 {
	return int32(r.status.ResetInSeconds)
}

type TodayResolver struct {
	today *model.TodayStatus
}

func (r *TodayResolver) WatchRewards() string   { return r.today.WatchRewards.String() }
func (r *TodayResolver) CommentRewards() string { return r.today.CommentRewards.String() }
func (r *TodayResolver) TotalRewards() string   { return r.today.TotalRewards.String() }
func (r *TodayResolver) DailyLimit() string     { return r.today.DailyLimit.String() }
func (r *TodayResolver) Remaining() string      { return r.today.Remaining.String() }

type UnclaimedResolver struct {
	unclaimed *model.UnclaimedStatus
}

func (r *UnclaimedResolver) Count() int32 {
	return int32(r.unclaimed.Count)
}

func (r *UnclaimedResolver) TotalAmount() string {
	return r.unclaimed.TotalAmount.String()
}

func (r *UnclaimedResolver) Rewards() []*RewardResolver {
	out := make([]*RewardResolver, len(r.unclaimed.Rewards))
	for i, rec := range r.unclaimed.Rewards {
		out[i] = &RewardResolver{record: rec}
	}
	return out
}

type RewardResolver struct {
	record *model.RewardRecord
}

func (r *RewardResolver) ID() graphql.ID {
	return graphql.ID(r.record.ID)
}

func (r *RewardResolver) Type() string {
	return r.record.Type
}

func (r *RewardResolver) Amount() string {
	return r.record.Amount.String()
}

func (r *RewardResolver) CreatedAt() string {
	return r.record.CreatedAt.Format(time.RFC3339)
}

type SessionResolver struct {
	session *model.WatchSession
}

func (r *SessionResolver) SessionID() graphql.ID {
	return graphql.ID(r.session.SessionID)
}

func (r *SessionResolver) StreamID() string {
	return r.session.StreamID
}

func (r *SessionResolver) StartedAt() string {
	return r.session.StartedAt.Format(time.RFC3339)
}

func (r *SessionResolver) TotalWatchTime() int32 {
	return int32(r.session.TotalSeconds)
}

func (r *SessionResolver) AttentionCheckPending() bool {
	return r.session.AttentionCheckPending
}

type ViewerCountResolver struct {
	state *model.ViewerCounterState
}

func (r *ViewerCountResolver) StreamID() string {
	return r.state.StreamID
}

func (r *ViewerCountResolver) ViewerCount() int32 {
	return int32(r.state.ViewerCount)
}

func (r *ViewerCountResolver) PeakViewers() int32 {
	return int32(r.state.PeakViewers)
}

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>Little Watch GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '{{endpoint}}'
      })
    })</script>
</body>
</html>
`
