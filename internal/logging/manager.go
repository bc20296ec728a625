package logging

import (
	"fmt"
	"sync"
)

// Компоненты, для которых заводятся отдельные логгеры
const (
	ComponentStore       = "store"
	ComponentNetDB       = "netdb"
	ComponentReplication = "replication"
	ComponentTransport   = "transport"
	ComponentAPI         = "api"
)

// LoggerManager хранит логгеры компонентов и переопределения их консольного уровня.
// Переопределение действует и на уже созданные логгеры, и на создаваемые позже.
type LoggerManager struct {
	mu        sync.Mutex
	loggers   map[string]*Logger
	overrides map[string]LogLevel
}

var globalManager = &LoggerManager{
	loggers:   make(map[string]*Logger),
	overrides: make(map[string]LogLevel),
}

// GetLoggerManager возвращает менеджер логгеров процесса
func GetLoggerManager() *LoggerManager { return globalManager }

// GetLogger возвращает логгер компонента, создавая его при первом обращении
func (lm *LoggerManager) GetLogger(component string) (*Logger, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if logger, ok := lm.loggers[component]; ok {
		return logger, nil
	}
	logger, err := NewLogger(component)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger for %s: %w", component, err)
	}
	if lvl, ok := lm.overrides[component]; ok {
		logger.minConsoleLevel = lvl
	}
	lm.loggers[component] = logger
	return logger, nil
}

// MustGetLogger возвращает логгер компонента; если файл логов недоступен, пишет только в консоль
func (lm *LoggerManager) MustGetLogger(component string) *Logger {
	logger, err := lm.GetLogger(component)
	if err == nil {
		return logger
	}
	Warn("Логгер %s работает без файла: %v", component, err)
	return &Logger{
		component:       component,
		consoleLogger:   defaultLogger.consoleLogger,
		minConsoleLevel: INFO,
		minFileLevel:    ERROR,
	}
}

// SetLevels задаёт консольные уровни компонентов из конфигурации ("netdb": "debug")
func (lm *LoggerManager) SetLevels(levels map[string]string) error {
	parsed := make(map[string]LogLevel, len(levels))
	for component, s := range levels {
		lvl, err := ParseLevel(s)
		if err != nil {
			return fmt.Errorf("компонент %s: %w", component, err)
		}
		parsed[component] = lvl
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	for component, lvl := range parsed {
		lm.overrides[component] = lvl
		if logger, ok := lm.loggers[component]; ok {
			logger.mu.Lock()
			logger.minConsoleLevel = lvl
			logger.mu.Unlock()
		}
	}
	return nil
}

// SetLogLevel меняет оба уровня уже созданного логгера
func (lm *LoggerManager) SetLogLevel(component string, consoleLevel, fileLevel LogLevel) error {
	lm.mu.Lock()
	logger, ok := lm.loggers[component]
	lm.mu.Unlock()
	if !ok {
		return fmt.Errorf("logger for component %s not found", component)
	}

	logger.mu.Lock()
	logger.minConsoleLevel = consoleLevel
	logger.minFileLevel = fileLevel
	logger.mu.Unlock()
	return nil
}

// CloseAll закрывает файлы всех логгеров; первая ошибка возвращается
func (lm *LoggerManager) CloseAll() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	var firstErr error
	for component, logger := range lm.loggers {
		if err := logger.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close logger for %s: %w", component, err)
		}
	}
	lm.loggers = make(map[string]*Logger)
	return firstErr
}

// GetComponentLogger возвращает логгер компонента
func GetComponentLogger(component string) *Logger {
	return globalManager.MustGetLogger(component)
}

func GetStoreLogger() *Logger       { return GetComponentLogger(ComponentStore) }
func GetNetDBLogger() *Logger       { return GetComponentLogger(ComponentNetDB) }
func GetReplicationLogger() *Logger { return GetComponentLogger(ComponentReplication) }
func GetTransportLogger() *Logger   { return GetComponentLogger(ComponentTransport) }
func GetAPILogger() *Logger         { return GetComponentLogger(ComponentAPI) }
