package eventstore

import "errors"

var (
	// ErrStorage — сбой подключения или транзакции хранилища.
	ErrStorage = errors.New("ошибка хранилища событий")
	// ErrDuplicateID — запись с таким идентификатором уже существует.
	ErrDuplicateID = errors.New("запись с таким идентификатором уже существует")
	// ErrNotFound — запись с указанным идентификатором не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrInvalidArgument — пустой или некорректный аргумент.
	ErrInvalidArgument = errors.New("некорректный аргумент")
	// ErrResendDispatch — не удалось повторно отправить захваченную запись.
	ErrResendDispatch = errors.New("ошибка повторной отправки")
	// ErrUnknownChannel — для канала не зарегистрирован отправитель.
	ErrUnknownChannel = errors.New("канал не зарегистрирован")
	// ErrChannelRegistered — отправитель для канала уже зарегистрирован.
	ErrChannelRegistered = errors.New("канал уже зарегистрирован")
	// ErrUnknownPayloadType — тип тела сообщения не зарегистрирован в кодеке.
	ErrUnknownPayloadType = errors.New("неизвестный тип тела сообщения")
)
