// Package dialog содержит состояние SIP диалога на стороне клиента IMS:
// идентичность диалога (Call-ID, локальный и удаленный tag), маршрутный
// набор, нумерацию CSeq и флаги жизненного цикла.
//
// DialogPath - пассивная структура данных. Она не отправляет запросы и не
// владеет горутинами; вся сериализация отправок лежит на владельце диалога
// (сессия или presence-менеджер), который перед каждой отправкой вызывает
// NextCSeq и тем самым задает порядок запросов внутри диалога.
package dialog
