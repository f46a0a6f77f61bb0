package server

import "github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

// AdminRoutes exposes operator route registration to tests.
func (s *GRPCServer) AdminRoutes(mux *runtime.ServeMux) error {
	return s.registerAdminRoutes(mux)
}
