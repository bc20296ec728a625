// Package owner реализует поток-владелец участника: одну горутину, через которую проходят
// все мутации хранилища зон, реестра идентификаторов и базы сетевых идентификаторов.
package owner

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

var (
	// ErrNotOwner - вызов вне горутины-владельца. Это ошибка вызывающего кода, не восстанавливается.
	ErrNotOwner = errors.New("owner: вызов вне горутины-владельца")
	// ErrClosed - цикл остановлен, задача не будет выполнена
	ErrClosed = errors.New("owner: цикл остановлен")
)

// Loop - очередь задач, исполняемых последовательно одной горутиной.
// Нулевой указатель *Loop допустим: проверки владения для него отключены.
type Loop struct {
	tasks   chan func()
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once
	ownerID atomic.Int64
	running atomic.Bool
	// inTask - владелец сейчас исполняет задачу
	inTask atomic.Bool
}

// NewLoop создаёт цикл с буфером задач указанного размера
func NewLoop(buffer int) *Loop {
	if buffer <= 0 {
		buffer = 256
	}
	return &Loop{
		tasks:   make(chan func(), buffer),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run обрабатывает задачи в текущей горутине, пока не отменён ctx или не вызван Close.
// Текущая горутина становится владельцем.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("owner: цикл уже запущен")
	}
	l.ownerID.Store(goroutineID())
	defer func() {
		l.ownerID.Store(0)
		close(l.stopped)
	}()

	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		case <-ctx.Done():
			l.Close()
			return ctx.Err()
		case <-l.quit:
			return nil
		}
	}
}

func (l *Loop) exec(fn func()) {
	l.inTask.Store(true)
	defer l.inTask.Store(false)
	fn()
}

// Close останавливает цикл. Задачи, оставшиеся в очереди, отбрасываются.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.quit) })
}

// Done закрывается после выхода из Run
func (l *Loop) Done() <-chan struct{} {
	return l.stopped
}

// Post ставит задачу в очередь без ожидания выполнения
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.quit:
		return false
	}
}

// Do выполняет fn в горутине-владельце и ждёт завершения.
// Если вызывающий сам владелец, fn выполняется сразу.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if l.Owned() {
		fn()
		return nil
	}
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.quit:
		return ErrClosed
	}
}

// Owned сообщает, выполняется ли вызов в горутине-владельце
func (l *Loop) Owned() bool {
	if l == nil {
		return true
	}
	id := l.ownerID.Load()
	return id != 0 && id == goroutineID()
}

// MustOwn паникует с ErrNotOwner, если владелец не исполняет задачу. Проверка не
// читает стек и стоит одну атомарную загрузку, поэтому вызывается на каждой операции
// хранилища и реестра. Вызов из чужой горутины во время задачи она не отличает;
// точный ответ даёт Owned.
func (l *Loop) MustOwn() {
	if l == nil {
		return
	}
	if !l.inTask.Load() {
		panic(ErrNotOwner)
	}
}

// goroutineID извлекает номер текущей горутины из заголовка стека ("goroutine 42 [running]:")
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(field, ' '); i > 0 {
		field = field[:i]
	}
	id, err := strconv.ParseInt(string(field), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
