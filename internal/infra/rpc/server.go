package rpc

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"marketchat/internal/app/dto"
	"marketchat/internal/app/messaging"
	"marketchat/internal/domain/chat"
)

const ServiceName = "marketchat.messaging.v1.MessagingService"

// MessagingServer is the RPC contract served by Server.
type MessagingServer interface {
	GetOrCreateConversation(ctx context.Context, req *GetOrCreateConversationRequest) (*ConversationResponse, error)
	GetConversation(ctx context.Context, req *GetConversationRequest) (*ConversationResponse, error)
	ListConversations(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error)
	SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error)
	ListMessages(ctx context.Context, req *ListMessagesRequest) (*dto.MessagePage, error)
	MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error)
}

// Server implements the MessagingService contract on top of the messaging service.
type Server struct {
	Service *messaging.Service
	Logger  *slog.Logger
}

// Register installs the messaging service and the standard health service.
func Register(s *grpc.Server, srv *Server) *health.Server {
	s.RegisterService(&serviceDesc, srv)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

func (s *Server) GetOrCreateConversation(ctx context.Context, req *GetOrCreateConversationRequest) (*ConversationResponse, error) {
	conv, created, err := s.Service.GetOrCreateConversation(ctx, req.BuyerID, req.SellerID, req.ListingID)
	if err != nil {
		return nil, s.toStatus(err, "get or create conversation")
	}
	return &ConversationResponse{Conversation: dto.FromConversation(conv), Created: created}, nil
}

func (s *Server) GetConversation(ctx context.Context, req *GetConversationRequest) (*ConversationResponse, error) {
	conv, err := s.Service.Conversation(ctx, req.ConversationID)
	if err != nil {
		return nil, s.toStatus(err, "get conversation")
	}
	return &ConversationResponse{Conversation: dto.FromConversation(conv)}, nil
}

func (s *Server) ListConversations(ctx context.Context, req *ListConversationsRequest) (*ListConversationsResponse, error) {
	summaries, err := s.Service.ListConversations(ctx, req.UserID)
	if err != nil {
		return nil, s.toStatus(err, "list conversations")
	}
	out := &ListConversationsResponse{Conversations: make([]dto.Conversation, 0, len(summaries))}
	for _, sum := range summaries {
		out.Conversations = append(out.Conversations, dto.FromConversation(sum.Conversation).WithUnread(sum.Unread))
	}
	return out, nil
}

func (s *Server) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	res, err := s.Service.Send(ctx, messaging.SendInput{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		CounterpartID:  req.CounterpartID,
		ListingID:      req.ListingID,
		BuyerID:        req.BuyerID,
		SellerID:       req.SellerID,
		Content:        req.Content,
		ClientID:       req.ClientID,
	})
	if err != nil {
		return nil, s.toStatus(err, "send message")
	}
	return &SendMessageResponse{Message: dto.FromMessage(res.Message), ConversationID: res.Conversation.ID}, nil
}

func (s *Server) ListMessages(ctx context.Context, req *ListMessagesRequest) (*dto.MessagePage, error) {
	p, err := s.Service.History(ctx, req.ConversationID, req.Page, req.Limit)
	if err != nil {
		return nil, s.toStatus(err, "list messages")
	}
	out := dto.FromPage(p)
	return &out, nil
}

func (s *Server) MarkRead(ctx context.Context, req *MarkReadRequest) (*MarkReadResponse, error) {
	n, err := s.Service.MarkRead(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return nil, s.toStatus(err, "mark read")
	}
	return &MarkReadResponse{ModifiedCount: n}, nil
}

func (s *Server) toStatus(err error, action string) error {
	switch {
	case errors.Is(err, chat.ErrValidation):
		return status.Error(codes.InvalidArgument, chat.Reason(err))
	case errors.Is(err, chat.ErrNotFound):
		return status.Error(codes.NotFound, chat.Reason(err))
	case errors.Is(err, messaging.ErrForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, action+" timed out")
	}
	if s.Logger != nil {
		s.Logger.Error("rpc failed", "action", action, "error", err)
	}
	if errors.Is(err, chat.ErrPersistence) {
		return status.Error(codes.Unavailable, "store unavailable")
	}
	return status.Errorf(codes.Internal, "%s: %v", action, err)
}

func unary[Req any, Resp any](name string, call func(MessagingServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			impl := srv.(MessagingServer)
			if interceptor == nil {
				return call(impl, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(impl, ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessagingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetOrCreateConversation", MessagingServer.GetOrCreateConversation),
		unary("GetConversation", MessagingServer.GetConversation),
		unary("ListConversations", MessagingServer.ListConversations),
		unary("SendMessage", MessagingServer.SendMessage),
		unary("ListMessages", MessagingServer.ListMessages),
		unary("MarkRead", MessagingServer.MarkRead),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketchat/messaging/v1",
}

var _ MessagingServer = (*Server)(nil)
