package subscription

import "log/slog"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithLogger sets the service logger. Nil loggers are ignored.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) ServiceOption {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithAlerter sets the alerter notified about unknown users and processing failures.
func WithAlerter(a Alerter) ServiceOption {
	return func(s *Service) {
		if a != nil {
			s.alerter = a
		}
	}
}

// WithFallback replaces the handler used for event kinds without a registered handler.
func WithFallback(h Handler) ServiceOption {
	return func(s *Service) {
		if h != nil {
			s.fallback = h
		}
	}
}
