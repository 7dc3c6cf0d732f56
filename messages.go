package reportagent

import "fmt"

// Operator-facing texts. The operators read Russian.
const (
	MsgNoData       = "Никаких данных для обработки не получено."
	MsgBuilding     = "Формирую таблицу..."
	MsgNoRows       = "После фильтрации данных нет результатов."
	MsgFailure      = "Ошибка. Зафиксировано в логах. Сообщите администратору."
	msgInternalTmpl = "%s: внутренняя ошибка. Запустите программу выгрузки заново."
	msgFailedTmpl   = "%s: не удалось выгрузить данные из %s"
	msgReceivedTmpl = "%s. Данные от %s получены."
)

func formatCounter(index, total int) string {
	return fmt.Sprintf("%d/%d", index, total)
}

func msgReceived(task SourceTask, sourceName string) string {
	return fmt.Sprintf(msgReceivedTmpl, task.Counter(), sourceName)
}

func msgInternalError(task SourceTask) string {
	return fmt.Sprintf(msgInternalTmpl, task.Counter())
}

func msgSourceFailed(task SourceTask) string {
	return fmt.Sprintf(msgFailedTmpl, task.Counter(), task.URL)
}
