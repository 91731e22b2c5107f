// Package eventstore реализует транзакционный outbox с координацией повторных
// отправок: сообщение сначала надежно записывается в хранилище и только затем
// передается брокеру, а зависшие в неопределенном состоянии записи периодически
// забираются (claim) и отправляются повторно. Гарантия доставки — at-least-once,
// дедупликация выполняется на стороне потребителя.
package eventstore

import "time"

// Record представляет собой единственную сохраняемую сущность — запись
// исходящего события и ее жизненный цикл доставки.
type Record struct {
	ID            string     // Уникальный идентификатор, неизменяемый
	Channel       string     // Логический канал назначения (для повторной отправки)
	Header        string     // Сериализованные в JSON заголовки на момент записи
	Payload       string     // Сериализованное в JSON тело сообщения
	PayloadType   string     // Тег типа тела для десериализации при повторной отправке
	WrittenOn     time.Time  // Время последней (пере)записи, UTC
	AttemptCount  int64      // Количество (пере)записей, начиная с 1
	ReturnedOn    *time.Time // Брокер вернул сообщение
	ProducerAckOn *time.Time // Брокер подтвердил прием
	ConsumerAckOn *time.Time // Потребитель завершил обработку (терминальное состояние)
}

// NewRecord содержит данные, необходимые для создания новой записи.
type NewRecord struct {
	ID          string
	Channel     string
	Header      string
	Payload     string
	PayloadType string
}

// IsConsumed сообщает, достигла ли запись терминального состояния.
func (r *Record) IsConsumed() bool {
	return r.ConsumerAckOn != nil
}

// IsPending сообщает, подлежит ли запись повторной отправке на момент now:
// она записана раньше now-expiry, не подтверждена потребителем и либо не
// получила подтверждения от брокера, либо была им возвращена.
func (r *Record) IsPending(now time.Time, expiry time.Duration) bool {
	return IsPendingAt(r, PendingCutoff(now, expiry))
}

// PendingCutoff возвращает момент, раньше которого запись считается просроченной.
// Точность совпадает с точностью хранения отметок времени.
func PendingCutoff(now time.Time, expiry time.Duration) time.Time {
	return now.UTC().Truncate(time.Millisecond).Add(-expiry)
}

// IsPendingAt проверяет предикат ожидания относительно заранее вычисленной
// границы cutoff. Хранилища используют одну границу на весь проход сканирования,
// чтобы повторная проверка при захвате была согласована с выборкой.
func IsPendingAt(r *Record, cutoff time.Time) bool {
	if r.ConsumerAckOn != nil {
		return false
	}
	if !r.WrittenOn.Before(cutoff) {
		return false
	}
	return r.ProducerAckOn == nil || r.ReturnedOn != nil
}

// Clone возвращает глубокую копию записи.
func (r *Record) Clone() *Record {
	c := *r
	c.ReturnedOn = cloneTime(r.ReturnedOn)
	c.ProducerAckOn = cloneTime(r.ProducerAckOn)
	c.ConsumerAckOn = cloneTime(r.ConsumerAckOn)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
