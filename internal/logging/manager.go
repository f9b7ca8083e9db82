package logging

import "sync"

// Manager hands out one Logger per named component, creating it on first use.
type Manager struct {
	mu      sync.RWMutex
	loggers map[string]*Logger
}

var (
	globalManager = &Manager{loggers: make(map[string]*Logger)}
	defaultLogger *Logger
)

// InitDefault initializes the process-wide default logger, used by the
// package-level Info/Warn/Error/Debug/Trace helpers.
func InitDefault(component string) error {
	l, err := globalManager.Get(component)
	if err != nil {
		return err
	}
	defaultLogger = l
	return nil
}

// CloseDefault closes the default logger's file handle.
func CloseDefault() {
	if defaultLogger != nil {
		_ = defaultLogger.Close()
	}
}

// Get returns the logger for component, creating it if necessary.
func (m *Manager) Get(component string) (*Logger, error) {
	m.mu.RLock()
	if l, ok := m.loggers[component]; ok {
		m.mu.RUnlock()
		return l, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.loggers[component]; ok {
		return l, nil
	}
	l, err := New(component)
	if err != nil {
		return nil, err
	}
	m.loggers[component] = l
	return l, nil
}

// CloseAll closes every logger created through the global manager.
func CloseAll() {
	globalManager.mu.Lock()
	defer globalManager.mu.Unlock()
	for _, l := range globalManager.loggers {
		_ = l.Close()
	}
	globalManager.loggers = make(map[string]*Logger)
}

// Component returns (creating if needed) the named component's logger.
func Component(name string) *Logger {
	l, err := globalManager.Get(name)
	if err != nil {
		// Fall back to a stdout-only logger so callers never get nil.
		return &Logger{component: name, consoleLogger: defaultConsoleLogger(), minConsoleLevel: TRACE}
	}
	return l
}

func Trace(format string, args ...interface{}) { ensureDefault().Trace(format, args...) }
func Debug(format string, args ...interface{}) { ensureDefault().Debug(format, args...) }
func Info(format string, args ...interface{})  { ensureDefault().Info(format, args...) }
func Warn(format string, args ...interface{})  { ensureDefault().Warn(format, args...) }
func Error(format string, args ...interface{}) { ensureDefault().Error(format, args...) }

func ensureDefault() *Logger {
	if defaultLogger == nil {
		return Component("default")
	}
	return defaultLogger
}
